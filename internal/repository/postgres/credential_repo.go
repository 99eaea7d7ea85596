package postgres

import (
	"context"
	"time"

	"uniattend/internal/errs"
	"uniattend/internal/model"
)

// CredentialRepo implements repository.CredentialRepository.
type CredentialRepo struct{ db Querier }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db Querier) *CredentialRepo { return &CredentialRepo{db: db} }

// Create inserts a credential row.
func (r *CredentialRepo) Create(ctx context.Context, c *model.Credential) error {
	const q = `
INSERT INTO webauthn_credentials (credential_id, user_id, public_key, algorithm, sign_count, aaguid, attestation_format, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, q, c.ID, c.UserID, c.PublicKey, c.Algorithm, int64(c.SignCount), c.AAGUID, c.AttestationFormat, c.CreatedAt)
	return mapErr(err)
}

// Get selects a credential by id for the given owner.
func (r *CredentialRepo) Get(ctx context.Context, userID string, credentialID []byte) (*model.Credential, error) {
	const q = `
SELECT credential_id, user_id, public_key, algorithm, sign_count, aaguid, attestation_format, created_at, last_used_at
FROM webauthn_credentials WHERE credential_id=$1 AND user_id=$2`
	var (
		c     model.Credential
		count int64
	)
	err := r.db.QueryRow(ctx, q, credentialID, userID).
		Scan(&c.ID, &c.UserID, &c.PublicKey, &c.Algorithm, &count, &c.AAGUID, &c.AttestationFormat, &c.CreatedAt, &c.LastUsedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	c.SignCount = uint32(count)
	return &c, nil
}

// ListByUser returns all credentials of a user.
func (r *CredentialRepo) ListByUser(ctx context.Context, userID string) ([]model.Credential, error) {
	const q = `
SELECT credential_id, user_id, public_key, algorithm, sign_count, aaguid, attestation_format, created_at, last_used_at
FROM webauthn_credentials WHERE user_id=$1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, q, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Credential
	for rows.Next() {
		var (
			c     model.Credential
			count int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.PublicKey, &c.Algorithm, &count, &c.AAGUID, &c.AttestationFormat, &c.CreatedAt, &c.LastUsedAt); err != nil {
			return nil, mapErr(err)
		}
		c.SignCount = uint32(count)
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

// AdvanceCounter performs a conditional update so two racing assertions
// cannot both move the counter to the same value.
func (r *CredentialRepo) AdvanceCounter(ctx context.Context, userID string, credentialID []byte, newCount uint32, usedAt time.Time) error {
	const q = `
UPDATE webauthn_credentials
SET sign_count = $3, last_used_at = $4
WHERE credential_id = $1 AND user_id = $2 AND sign_count < $3`
	tag, err := r.db.Exec(ctx, q, credentialID, userID, int64(newCount), usedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrReplayDetected
	}
	return nil
}
