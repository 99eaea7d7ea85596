// Package challenge keeps issued WebAuthn challenges until they are consumed.
// Every challenge can be taken exactly once; a second Take of the same value
// fails the same way as an unknown or expired one.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"uniattend/internal/model"
)

// Size is the number of random bytes in a challenge.
const Size = 32

// Store persists pending challenges.
type Store interface {
	// Save records c until c.ExpiresAt.
	Save(ctx context.Context, c model.Challenge) error
	// Take atomically removes and returns the challenge matching the triple.
	// It returns errs.ErrChallengeMismatch if nothing usable is stored.
	Take(ctx context.Context, kind model.CeremonyKind, userID string, value []byte) (*model.Challenge, error)
}

// NewValue returns Size bytes from crypto/rand.
func NewValue() ([]byte, error) {
	b := make([]byte, Size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

func key(kind model.CeremonyKind, userID string, value []byte) string {
	return "webauthn:challenge:" + string(kind) + ":" + userID + ":" + base64.RawURLEncoding.EncodeToString(value)
}
