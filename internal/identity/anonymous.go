package identity

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// AnonymousPrefix tags usernames derived from a credential rather than chosen
// by a person, so any consumer can classify an identity without a lookup.
const AnonymousPrefix = "anon_"

const anonymousSuffixLength = 16

var anonymousEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// AnonymousUsername derives the username for a credential-only identity.
//
// The derivation hashes the credential id before encoding so the username
// does not reveal the raw id, and it is a pure function of the id: retrying
// a registration with the same credential reaches the same username.
func AnonymousUsername(credentialID []byte) string {
	sum := sha256.Sum256(credentialID)
	suffix := strings.ToLower(anonymousEncoding.EncodeToString(sum[:]))[:anonymousSuffixLength]
	return AnonymousPrefix + suffix
}

// IsAnonymous reports whether a username names a credential-derived identity.
func IsAnonymous(username string) bool {
	return strings.HasPrefix(username, AnonymousPrefix)
}
