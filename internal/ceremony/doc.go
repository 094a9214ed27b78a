// Package ceremony orchestrates WebAuthn registration and
// authentication ceremonies. A Coordinator ties the identity resolver,
// challenge ledger, verifier, and credential records together: Begin
// calls issue a single-use challenge and return relying party options,
// Finish calls consume the challenge, verify the authenticator
// response, and commit the outcome.
package ceremony
