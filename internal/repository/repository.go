// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"uniattend/internal/model"
)

// CredentialRepository stores WebAuthn credentials.
type CredentialRepository interface {
	// Create inserts a credential; errs.ErrAlreadyExists if the id is taken by anyone.
	Create(ctx context.Context, c *model.Credential) error
	// Get loads a credential by raw id, scoped to its owner.
	Get(ctx context.Context, userID string, credentialID []byte) (*model.Credential, error)
	// ListByUser returns every credential of a user, oldest first.
	ListByUser(ctx context.Context, userID string) ([]model.Credential, error)
	// AdvanceCounter stores newCount only if it is strictly greater than the
	// stored counter. It returns errs.ErrReplayDetected when no row was updated.
	AdvanceCounter(ctx context.Context, userID string, credentialID []byte, newCount uint32, usedAt time.Time) error
}

// SessionRepository stores attendance sessions.
type SessionRepository interface {
	// Create inserts a session; errs.ErrAlreadyExists when the code is taken.
	Create(ctx context.Context, s *model.AttendanceSession) error
	Get(ctx context.Context, id uuid.UUID) (*model.AttendanceSession, error)
	GetByCode(ctx context.Context, code string) (*model.AttendanceSession, error)
	// ListStartedBefore returns the sessions of the given sections with
	// starts_at <= at, newest first. Activity filtering happens in the service.
	ListStartedBefore(ctx context.Context, sectionIDs []string, at time.Time) ([]model.AttendanceSession, error)
}

// RecordRepository stores attendance records.
type RecordRepository interface {
	// Create inserts a record; errs.ErrAlreadyExists on a (session, student) clash.
	Create(ctx context.Context, r *model.AttendanceRecord) error
	Get(ctx context.Context, sessionID uuid.UUID, studentID string) (*model.AttendanceRecord, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AttendanceRecord, error)
	// ListByStudent returns at most limit records of one student, newest first.
	ListByStudent(ctx context.Context, studentID string, limit int) ([]model.AttendanceRecord, error)
}
