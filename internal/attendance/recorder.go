package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"uniattend/internal/errs"
	"uniattend/internal/model"
	"uniattend/internal/queue"
	"uniattend/internal/repository"
)

// Recorder stores one attendance mark per student and session.
type Recorder struct {
	sessions repository.SessionRepository
	records  repository.RecordRepository
	pub      queue.Publisher
	opts     Options
}

// NewRecorder builds a Recorder. pub may be nil to skip notifications.
func NewRecorder(sessions repository.SessionRepository, records repository.RecordRepository, pub queue.Publisher, opts Options) *Recorder {
	return &Recorder{sessions: sessions, records: records, pub: pub, opts: opts.withDefaults()}
}

// Mark records studentID in sessionID using method.
func (r *Recorder) Mark(ctx context.Context, sessionID uuid.UUID, studentID string, method model.Method) (*model.AttendanceRecord, error) {
	if studentID == "" {
		return nil, errs.ErrUnauthenticated
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", errs.ErrInvalidInput, method)
	}
	s, err := getSession(ctx, r.sessions, sessionID)
	if err != nil {
		r.count(method, err)
		return nil, err
	}
	return r.mark(ctx, s, studentID, method)
}

// MarkByCode records studentID in the session identified by code.
func (r *Recorder) MarkByCode(ctx context.Context, code, studentID string) (*model.AttendanceRecord, error) {
	if studentID == "" {
		return nil, errs.ErrUnauthenticated
	}
	s, err := lookupCode(ctx, r.sessions, code)
	if err != nil {
		r.count(model.MethodCode, err)
		return nil, err
	}
	return r.mark(ctx, s, studentID, model.MethodCode)
}

func (r *Recorder) mark(ctx context.Context, s *model.AttendanceSession, studentID string, method model.Method) (*model.AttendanceRecord, error) {
	now := r.opts.Now().UTC()
	// The biometric policy is checked before the window so a code mark on a
	// biometric session fails the same way at any time.
	if s.RequireBiometric && method == model.MethodCode {
		r.count(method, errs.ErrBiometricRequired)
		return nil, errs.ErrBiometricRequired
	}
	if !IsActive(*s, now) {
		r.count(method, errs.ErrSessionExpired)
		return nil, errs.ErrSessionExpired
	}

	status := model.StatusPresent
	if now.Sub(s.StartsAt) > LateAfter {
		status = model.StatusLate
	}
	rec := model.AttendanceRecord{
		ID:        uuid.New(),
		SessionID: s.ID,
		StudentID: studentID,
		Status:    status,
		Method:    method,
		MarkedAt:  now,
	}
	if err := r.records.Create(ctx, &rec); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			r.count(method, errs.ErrAlreadyMarked)
			return nil, errs.ErrAlreadyMarked
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	r.count(method, nil)
	r.publish(ctx, s, &rec)
	return &rec, nil
}

// ListForSession returns every record of a session for instructors and admins.
func (r *Recorder) ListForSession(ctx context.Context, caller model.Identity, sessionID uuid.UUID) ([]model.AttendanceRecord, error) {
	if caller.UserID == "" {
		return nil, errs.ErrUnauthenticated
	}
	if !caller.CanManageSessions() {
		return nil, errs.ErrForbidden
	}
	if _, err := getSession(ctx, r.sessions, sessionID); err != nil {
		return nil, err
	}
	recs, err := r.records.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// History sizes for ListMine.
const (
	DefaultHistory = 50
	MaxHistory     = 200
)

// ListMine returns the caller's own records, newest first. limit <= 0 means
// DefaultHistory; larger values are capped at MaxHistory.
func (r *Recorder) ListMine(ctx context.Context, caller model.Identity, limit int) ([]model.AttendanceRecord, error) {
	if caller.UserID == "" {
		return nil, errs.ErrUnauthenticated
	}
	switch {
	case limit <= 0:
		limit = DefaultHistory
	case limit > MaxHistory:
		limit = MaxHistory
	}
	recs, err := r.records.ListByStudent(ctx, caller.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

func (r *Recorder) publish(ctx context.Context, s *model.AttendanceSession, rec *model.AttendanceRecord) {
	if r.pub == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceMarked, queue.MarkedEvent{
		SessionID: s.ID.String(),
		SectionID: s.SectionID,
		StudentID: rec.StudentID,
		Status:    string(rec.Status),
		Method:    string(rec.Method),
		MarkedAt:  rec.MarkedAt,
	})
	if err == nil {
		err = r.pub.Publish(ctx, msg)
	}
	if err != nil {
		r.opts.Logger.Warn("queue publish failed",
			zap.Error(err),
			zap.String("session_id", s.ID.String()),
		)
	}
}

func (r *Recorder) count(method model.Method, err error) {
	result := "marked"
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrAlreadyMarked):
		result = "already_marked"
	case errors.Is(err, errs.ErrSessionExpired):
		result = "not_active"
	case errors.Is(err, errs.ErrSessionNotFound):
		result = "not_found"
	case errors.Is(err, errs.ErrBiometricRequired):
		result = "biometric_required"
	default:
		result = "error"
	}
	r.opts.Metrics.Marks.WithLabelValues(string(method), result).Inc()
}
