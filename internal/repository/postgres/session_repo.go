package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"uniattend/internal/model"
)

const sessionColumns = `id, section_id, code, starts_at, ends_at, require_biometric, created_by, created_at`

// SessionRepo implements repository.SessionRepository.
type SessionRepo struct{ db Querier }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db Querier) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a session row. A duplicate code surfaces as errs.ErrAlreadyExists.
func (r *SessionRepo) Create(ctx context.Context, s *model.AttendanceSession) error {
	const q = `
INSERT INTO attendance_sessions (id, section_id, code, starts_at, ends_at, require_biometric, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, q, s.ID, s.SectionID, s.Code, s.StartsAt, s.EndsAt, s.RequireBiometric, s.CreatedBy, s.CreatedAt)
	return mapErr(err)
}

// Get selects a session by id.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.AttendanceSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM attendance_sessions WHERE id=$1`
	return r.scanOne(r.db.QueryRow(ctx, q, id))
}

// GetByCode selects a session by its exact (already normalized) code.
func (r *SessionRepo) GetByCode(ctx context.Context, code string) (*model.AttendanceSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM attendance_sessions WHERE code=$1`
	return r.scanOne(r.db.QueryRow(ctx, q, code))
}

// ListStartedBefore returns sessions of the sections that started at or before at.
func (r *SessionRepo) ListStartedBefore(ctx context.Context, sectionIDs []string, at time.Time) ([]model.AttendanceSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM attendance_sessions
WHERE section_id = ANY($1) AND starts_at <= $2
ORDER BY starts_at DESC LIMIT 200`
	rows, err := r.db.Query(ctx, q, sectionIDs, at)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.AttendanceSession
	for rows.Next() {
		var s model.AttendanceSession
		if err := rows.Scan(&s.ID, &s.SectionID, &s.Code, &s.StartsAt, &s.EndsAt, &s.RequireBiometric, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err())
}

func (r *SessionRepo) scanOne(row interface{ Scan(...any) error }) (*model.AttendanceSession, error) {
	var s model.AttendanceSession
	if err := row.Scan(&s.ID, &s.SectionID, &s.Code, &s.StartsAt, &s.EndsAt, &s.RequireBiometric, &s.CreatedBy, &s.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}
