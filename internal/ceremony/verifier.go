package ceremony

import (
	"encoding/base64"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/storage"
)

// webAuthnProvider abstracts the go-webauthn entry points used by the
// coordinator so tests can substitute a fake verifier.
type webAuthnProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// responseParser abstracts parsing of client ceremony responses.
type responseParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type protocolParser struct{}

func (protocolParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (protocolParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// ceremonyUser carries the identity material a ceremony binds a
// credential to. It satisfies webauthn.User.
type ceremonyUser struct {
	handle      []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte { return u.handle }

func (u *ceremonyUser) WebAuthnName() string { return u.name }

func (u *ceremonyUser) WebAuthnDisplayName() string { return u.displayName }

func (u *ceremonyUser) WebAuthnIcon() string { return "" }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func encodeCredentialID(rawID []byte) string {
	return base64.RawURLEncoding.EncodeToString(rawID)
}

func decodeCredentialID(id string) ([]byte, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCredentialNotFound, "decode credential id", err)
	}
	return rawID, nil
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}

func recordDeviceType(cred *webauthn.Credential) string {
	if cred.Flags.BackupEligible {
		return storage.DeviceTypeMulti
	}
	return storage.DeviceTypeSingle
}

// recordFromCredential converts a verified webauthn credential into its
// persisted form. UserID and timestamps are filled in by the caller.
func recordFromCredential(cred *webauthn.Credential) storage.Credential {
	return storage.Credential{
		ID:         encodeCredentialID(cred.ID),
		PublicKey:  cred.PublicKey,
		Counter:    cred.Authenticator.SignCount,
		DeviceType: recordDeviceType(cred),
		BackedUp:   cred.Flags.BackupState,
		Transports: transportStrings(cred.Transport),
	}
}

// credentialFromRecord rebuilds the webauthn credential the verifier
// needs from its persisted form.
func credentialFromRecord(record storage.Credential) (webauthn.Credential, error) {
	rawID, err := decodeCredentialID(record.ID)
	if err != nil {
		return webauthn.Credential{}, err
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(record.Transports))
	for _, t := range record.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        rawID,
		PublicKey: record.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: record.DeviceType == storage.DeviceTypeMulti,
			BackupState:    record.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: record.Counter,
		},
	}, nil
}
