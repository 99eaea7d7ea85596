package ceremony

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/stretchr/testify/require"
)

const (
	testRPID   = "localhost"
	testOrigin = "http://localhost:5173"

	flagUP = 0x01
	flagUV = 0x04
	flagAT = 0x40
)

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// authenticator is a software ES256 authenticator.
type authenticator struct {
	key    *ecdsa.PrivateKey
	credID []byte
	cose   []byte
	aaguid []byte
}

func newAuthenticator(t *testing.T) *authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := key.PublicKey.ECDH()
	require.NoError(t, err)
	raw := pub.Bytes() // 0x04 || X || Y
	cose, err := webauthncbor.Marshal(map[int]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: raw[1:33],
		-3: raw[33:65],
	})
	require.NoError(t, err)
	credID := make([]byte, 16)
	_, err = rand.Read(credID)
	require.NoError(t, err)
	return &authenticator{key: key, credID: credID, cose: cose, aaguid: make([]byte, 16)}
}

func (a *authenticator) sign(t *testing.T, data []byte) []byte {
	t.Helper()
	h := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, h[:])
	require.NoError(t, err)
	return sig
}

func authData(rpID string, flags byte, counter uint32, attested []byte) []byte {
	h := sha256.Sum256([]byte(rpID))
	out := append([]byte{}, h[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, counter)
	return append(out, attested...)
}

func (a *authenticator) attestedData() []byte {
	out := append([]byte{}, a.aaguid...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(a.credID)))
	out = append(out, a.credID...)
	return append(out, a.cose...)
}

func clientData(t *testing.T, typ, challenge, origin string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "challenge": challenge, "origin": origin})
	require.NoError(t, err)
	return b
}

type regParams struct {
	typ       string
	challenge string
	origin    string
	rpID      string
	flags     byte
	format    string
	badSig    bool
}

func (a *authenticator) registration(t *testing.T, p regParams) []byte {
	t.Helper()
	if p.typ == "" {
		p.typ = "webauthn.create"
	}
	if p.origin == "" {
		p.origin = testOrigin
	}
	if p.rpID == "" {
		p.rpID = testRPID
	}
	if p.flags == 0 {
		p.flags = flagUP | flagUV | flagAT
	}
	if p.format == "" {
		p.format = "none"
	}
	cd := clientData(t, p.typ, p.challenge, p.origin)
	ad := authData(p.rpID, p.flags, 0, a.attestedData())

	stmt := map[string]any{}
	if p.format == "packed" {
		cdHash := sha256.Sum256(cd)
		sig := a.sign(t, append(append([]byte{}, ad...), cdHash[:]...))
		if p.badSig {
			sig = a.sign(t, []byte("something else"))
		}
		stmt = map[string]any{"alg": -7, "sig": sig}
	}
	att, err := webauthncbor.Marshal(map[string]any{"fmt": p.format, "attStmt": stmt, "authData": ad})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.credID),
		"rawId": b64(a.credID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(cd),
			"attestationObject": b64(att),
		},
	})
	require.NoError(t, err)
	return body
}

type assertParams struct {
	challenge  string
	counter    uint32
	flags      byte
	userHandle string
	signer     *authenticator
}

func (a *authenticator) assertion(t *testing.T, p assertParams) []byte {
	t.Helper()
	if p.flags == 0 {
		p.flags = flagUP | flagUV
	}
	signer := a
	if p.signer != nil {
		signer = p.signer
	}
	cd := clientData(t, "webauthn.get", p.challenge, testOrigin)
	ad := authData(testRPID, p.flags, p.counter, nil)
	cdHash := sha256.Sum256(cd)
	sig := signer.sign(t, append(append([]byte{}, ad...), cdHash[:]...))

	resp := map[string]any{
		"clientDataJSON":    b64(cd),
		"authenticatorData": b64(ad),
		"signature":         b64(sig),
	}
	if p.userHandle != "" {
		resp["userHandle"] = b64([]byte(p.userHandle))
	}
	body, err := json.Marshal(map[string]any{
		"id":       b64(a.credID),
		"rawId":    b64(a.credID),
		"type":     "public-key",
		"response": resp,
	})
	require.NoError(t, err)
	return body
}
