package ceremony

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"uniattend/internal/errs"
	"uniattend/internal/model"
)

// allowedAlgorithms are the COSE algorithms offered in pubKeyCredParams, in
// preference order.
var allowedAlgorithms = []int64{
	int64(webauthncose.AlgES256),
	int64(webauthncose.AlgRS256),
	int64(webauthncose.AlgEdDSA),
}

// webauthnUser adapts an identity and its stored credentials to the
// library's User.
type webauthnUser struct {
	id    string
	name  string
	creds []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnIcon() string                       { return "" }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func newUser(userID string, stored []model.Credential) *webauthnUser {
	creds := make([]webauthn.Credential, 0, len(stored))
	for _, c := range stored {
		creds = append(creds, webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationFormat,
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return &webauthnUser{id: userID, name: userID, creds: creds}
}

// sessionData rebuilds the library session from a consumed challenge.
// Expiry was already enforced by the challenge store against its own clock,
// so Expires stays zero.
func sessionData(c *model.Challenge, requireUV bool) webauthn.SessionData {
	uv := protocol.VerificationPreferred
	if requireUV {
		uv = protocol.VerificationRequired
	}
	return webauthn.SessionData{
		Challenge:            encode(c.Value),
		UserID:               []byte(c.UserID),
		AllowedCredentialIDs: c.AllowedCredentials,
		UserVerification:     uv,
	}
}

func parseRegistration(body []byte) (*protocol.ParsedCredentialCreationData, error) {
	p, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrMalformedResponse, err)
	}
	return p, nil
}

func parseAssertion(body []byte) (*protocol.ParsedCredentialAssertionData, error) {
	p, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrMalformedResponse, err)
	}
	return p, nil
}

// decodeChallenge accepts base64url with or without padding.
func decodeChallenge(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil || len(b) == 0 {
		return nil, errs.ErrChallengeMismatch
	}
	return b, nil
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// sameChallenge reports whether the challenge the authenticator signed is
// the one that was consumed. The library reports this as a generic
// verification error; clients get ChallengeMismatch instead.
func sameChallenge(cd protocol.CollectedClientData, want []byte) error {
	got, err := decodeChallenge(cd.Challenge)
	if err != nil || subtle.ConstantTimeCompare(got, want) != 1 {
		return errs.ErrChallengeMismatch
	}
	return nil
}

// keyAlgorithm returns the COSE algorithm of a credential public key and
// checks it is one we offered.
func keyAlgorithm(pub []byte) (int64, error) {
	var head webauthncose.PublicKeyData
	if err := webauthncbor.Unmarshal(pub, &head); err != nil {
		return 0, fmt.Errorf("%w: credential key: %w", errs.ErrMalformedResponse, err)
	}
	if !slices.Contains(allowedAlgorithms, head.Algorithm) {
		return 0, fmt.Errorf("%w: algorithm %d not allowed", errs.ErrMalformedResponse, head.Algorithm)
	}
	return head.Algorithm, nil
}

// verifyError maps a go-webauthn failure onto our error kinds.
func verifyError(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr.Type {
		case protocol.ErrChallengeMismatch.Type:
			return errs.ErrChallengeMismatch
		case protocol.ErrAssertionSignature.Type:
			return fmt.Errorf("%w: %s", errs.ErrSignatureInvalid, perr.DevInfo)
		}
		return fmt.Errorf("%w: %s: %s", errs.ErrMalformedResponse, perr.Details, perr.DevInfo)
	}
	return fmt.Errorf("%w: %w", errs.ErrMalformedResponse, err)
}
