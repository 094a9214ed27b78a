package ceremony

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/platform/id"
	"github.com/keyfold/keyfold/internal/storage"
)

const (
	registrationKeyPrefix   = "anon_reg_"
	authenticationKeyPrefix = "auth_"
)

// Result reports the outcome of a completed ceremony.
type Result struct {
	Verified     bool
	Username     string
	Anonymous    bool
	CredentialID string
}

// Coordinator drives WebAuthn registration and authentication
// ceremonies end to end: it resolves identities, issues and consumes
// challenges, runs the verifier, and commits credential records.
type Coordinator struct {
	webAuthn    webAuthnProvider
	parser      responseParser
	initErr     error
	config      Config
	ledger      *challenge.Ledger
	store       storage.Store
	resolver    *identity.Resolver
	credentials *credential.Manager
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewCoordinator builds a coordinator backed by the given challenge
// ledger and store. A relying party configuration error is deferred
// until the first ceremony so construction never fails.
func NewCoordinator(cfg Config, ledger *challenge.Ledger, store storage.Store) *Coordinator {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	return &Coordinator{
		webAuthn:    webAuthn,
		parser:      protocolParser{},
		initErr:     err,
		config:      cfg,
		ledger:      ledger,
		store:       store,
		resolver:    identity.NewResolver(store),
		credentials: credential.NewManager(store),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

func (c *Coordinator) ready() error {
	if c.store == nil {
		return apperrors.New(apperrors.CodeStoreUnavailable, "store is not configured")
	}
	if c.ledger == nil {
		return apperrors.New(apperrors.CodeStoreUnavailable, "challenge ledger is not configured")
	}
	if c.initErr != nil || c.webAuthn == nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "relying party configuration is not available", c.initErr)
	}
	return nil
}

// BeginRegistration starts a registration ceremony. An empty hint
// registers an anonymous identity; otherwise the hint names the user
// to create or extend. The returned key identifies the pending
// ceremony and must be presented to FinishRegistration.
func (c *Coordinator) BeginRegistration(ctx context.Context, hint string) (*protocol.CredentialCreation, string, error) {
	if err := c.ready(); err != nil {
		return nil, "", err
	}

	registration, err := c.resolver.ResolveRegistration(ctx, hint)
	if err != nil {
		return nil, "", err
	}

	ceremonyUser := &ceremonyUser{
		handle:      registration.Handle,
		name:        registration.Username,
		displayName: registration.DisplayName,
	}
	if registration.Anonymous() {
		ceremonyUser.name = registration.DisplayName
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			UserVerification:   protocol.VerificationRequired,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	}
	if registration.Mode == identity.ModeNamedExisting {
		existing, err := c.loadUserCredentials(ctx, registration.User.ID)
		if err != nil {
			return nil, "", err
		}
		ceremonyUser.credentials = existing
		if len(existing) > 0 {
			options = append(options, webauthn.WithExclusions(webauthn.Credentials(existing).CredentialDescriptors()))
		}
	}

	creation, session, err := c.webAuthn.BeginRegistration(ceremonyUser, options...)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeVerificationFailed, "begin registration", err)
	}

	key := registration.Username
	if registration.Anonymous() {
		token, err := c.idGenerator()
		if err != nil {
			return nil, "", fmt.Errorf("generate ceremony key: %w", err)
		}
		key = registrationKeyPrefix + token
	}

	c.ledger.Issue(key, challenge.Entry{
		Kind:      challenge.KindRegistration,
		Username:  registration.Username,
		Anonymous: registration.Anonymous(),
		Session:   *session,
	})

	return creation, key, nil
}

// FinishRegistration completes the ceremony issued under key with the
// authenticator's credential creation response. The pending challenge
// is consumed before verification, so a failed attempt burns it.
func (c *Coordinator) FinishRegistration(ctx context.Context, key string, credentialResponse []byte) (Result, error) {
	if err := c.ready(); err != nil {
		return Result{}, err
	}

	entry, err := c.ledger.Consume(key)
	if err != nil {
		return Result{}, err
	}
	if entry.Kind != challenge.KindRegistration {
		return Result{}, challenge.ErrNotFound
	}

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(credentialResponse)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "parse credential response", err)
	}

	ceremonyUser := &ceremonyUser{
		handle:      entry.Session.UserID,
		name:        entry.Username,
		displayName: entry.Username,
	}
	if entry.Anonymous {
		ceremonyUser.name = identity.AnonymousDisplayName
		ceremonyUser.displayName = identity.AnonymousDisplayName
	}

	verified, err := c.webAuthn.CreateCredential(ceremonyUser, entry.Session, parsed)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify credential response", err)
	}

	username := entry.Username
	if entry.Anonymous {
		username = identity.AnonymousUsername(verified.ID)
	}

	now := c.clock().UTC()
	record := recordFromCredential(verified)
	record.CreatedAt = now
	record.UpdatedAt = now

	if entry.Anonymous {
		// A derived username belongs to exactly one credential. The insert
		// goes through unconditionally so a derivation collision surfaces as
		// DuplicateUsername instead of attaching the credential to whoever
		// holds the name.
		if err := c.createOwner(ctx, username, entry.Session.UserID, record); err != nil {
			return Result{}, err
		}
	} else {
		owner, err := c.store.GetUserByUsername(ctx, username)
		switch {
		case err == nil:
			record.UserID = owner.ID
			if err := c.credentials.Create(ctx, record); err != nil {
				return Result{}, err
			}
		case apperrors.GetCode(err) == apperrors.CodeNotFound:
			if err := c.createOwner(ctx, username, entry.Session.UserID, record); err != nil {
				return Result{}, err
			}
		default:
			return Result{}, err
		}
	}

	return Result{
		Verified:     true,
		Username:     username,
		Anonymous:    entry.Anonymous,
		CredentialID: record.ID,
	}, nil
}

// BeginAuthentication starts a discoverable authentication ceremony.
// The client picks the credential, so no identity hint is taken.
func (c *Coordinator) BeginAuthentication(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	if err := c.ready(); err != nil {
		return nil, "", err
	}

	assertion, session, err := c.webAuthn.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeVerificationFailed, "begin authentication", err)
	}

	token, err := c.idGenerator()
	if err != nil {
		return nil, "", fmt.Errorf("generate ceremony key: %w", err)
	}
	key := authenticationKeyPrefix + token

	c.ledger.Issue(key, challenge.Entry{
		Kind:    challenge.KindAuthentication,
		Session: *session,
	})

	return assertion, key, nil
}

// FinishAuthentication completes the ceremony issued under key with
// the authenticator's assertion response. On success the credential's
// signature counter has been advanced.
func (c *Coordinator) FinishAuthentication(ctx context.Context, key string, credentialResponse []byte) (Result, error) {
	if err := c.ready(); err != nil {
		return Result{}, err
	}

	entry, err := c.ledger.Consume(key)
	if err != nil {
		return Result{}, err
	}
	if entry.Kind != challenge.KindAuthentication {
		return Result{}, challenge.ErrNotFound
	}

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(credentialResponse)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "parse assertion response", err)
	}

	record, err := c.credentials.Lookup(ctx, encodeCredentialID(parsed.RawID))
	if err != nil {
		return Result{}, err
	}
	owner, err := c.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeNotFound {
			return Result{}, apperrors.New(apperrors.CodeUserNotFound, "credential owner not found")
		}
		return Result{}, err
	}

	credentials, err := c.loadUserCredentials(ctx, owner.ID)
	if err != nil {
		return Result{}, err
	}
	ceremonyUser := &ceremonyUser{
		handle:      owner.Handle,
		name:        owner.Username,
		displayName: owner.Username,
		credentials: credentials,
	}
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		return ceremonyUser, nil
	}

	_, validated, err := c.webAuthn.ValidatePasskeyLogin(handler, entry.Session, parsed)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify assertion response", err)
	}
	if validated.Authenticator.CloneWarning {
		return Result{}, apperrors.WithMetadata(apperrors.CodeVerificationFailed, "signature counter did not advance", map[string]string{
			"credential_id": record.ID,
		})
	}

	if err := c.credentials.ApplyCounter(ctx, record, validated.Authenticator.SignCount); err != nil {
		return Result{}, err
	}

	return Result{
		Verified:     true,
		Username:     owner.Username,
		Anonymous:    identity.IsAnonymous(owner.Username),
		CredentialID: record.ID,
	}, nil
}

// createOwner commits a new user and its first credential as one atomic
// unit. A taken username fails with DuplicateUsername and commits nothing.
func (c *Coordinator) createOwner(ctx context.Context, username string, handle []byte, record storage.Credential) error {
	newUser, err := identity.NewUser(identity.NewUserInput{
		Username: username,
		Handle:   handle,
	}, c.clock, c.idGenerator)
	if err != nil {
		return err
	}
	record.UserID = newUser.ID
	return c.store.CreateUserWithCredential(ctx, newUser, record)
}

func (c *Coordinator) loadUserCredentials(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	records, err := c.credentials.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		parsed, err := credentialFromRecord(record)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, parsed)
	}
	return credentials, nil
}
