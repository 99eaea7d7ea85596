// Package attendance manages attendance sessions and records student marks.
package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"uniattend/internal/errs"
	"uniattend/internal/metrics"
	"uniattend/internal/model"
	"uniattend/internal/repository"
)

const (
	// DefaultDuration is the session length used when none is requested and
	// the fallback window for sessions stored without an end.
	DefaultDuration = 120 * time.Minute
	// MaxDurationMinutes bounds a requested session length.
	MaxDurationMinutes = 480
	// LateAfter is how long after the start a mark still counts as present.
	LateAfter = 15 * time.Minute

	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// State is where a session is in its lifecycle.
type State string

const (
	StateUpcoming State = "upcoming"
	StateActive   State = "active"
	StateEnded    State = "ended"
)

// Window returns the effective [start, end] of s.
func Window(s model.AttendanceSession) (time.Time, time.Time) {
	if s.EndsAt != nil {
		return s.StartsAt, *s.EndsAt
	}
	return s.StartsAt, s.StartsAt.Add(DefaultDuration)
}

// IsActive reports whether now falls inside the session window, bounds included.
func IsActive(s model.AttendanceSession, now time.Time) bool {
	return SessionState(s, now) == StateActive
}

// SessionState classifies s at now.
func SessionState(s model.AttendanceSession, now time.Time) State {
	start, end := Window(s)
	switch {
	case now.Before(start):
		return StateUpcoming
	case now.After(end):
		return StateEnded
	default:
		return StateActive
	}
}

// GenerateCode returns a random session code over A-Z0-9.
func GenerateCode() (string, error) {
	// 252 is the largest multiple of 36 below 256; larger bytes are rejected
	// so every character is equally likely.
	const limit = 252
	out := make([]byte, 0, codeLength)
	buf := make([]byte, 16)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeCode trims and upper-cases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// Options tunes the attendance services.
type Options struct {
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// CodeAttempts bounds session inserts retried on a code collision.
	CodeAttempts int
	// QRSize is the default edge of generated QR codes in pixels.
	QRSize  int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.CodeAttempts <= 0 {
		o.CodeAttempts = 5
	}
	if o.QRSize <= 0 {
		o.QRSize = 256
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop()
	}
	return o
}

// CreateSessionInput is what an instructor supplies to open a session.
type CreateSessionInput struct {
	SectionID        string
	DurationMinutes  int
	RequireBiometric bool
}

// ActiveSession is a session open right now together with the caller's mark.
type ActiveSession struct {
	model.AttendanceSession
	State       State `json:"state"`
	HasAttended bool  `json:"has_attended"`
}

// SessionManager opens sessions and answers lookups.
type SessionManager struct {
	sessions repository.SessionRepository
	records  repository.RecordRepository
	opts     Options
	newCode  func() (string, error)
}

// NewSessionManager builds a manager over the given repositories.
func NewSessionManager(sessions repository.SessionRepository, records repository.RecordRepository, opts Options) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		records:  records,
		opts:     opts.withDefaults(),
		newCode:  GenerateCode,
	}
}

// Now returns the manager's clock reading.
func (m *SessionManager) Now() time.Time {
	return m.opts.Now()
}

// CreateSession opens a session starting now. The code is regenerated when it
// collides with an existing one, up to Options.CodeAttempts inserts.
func (m *SessionManager) CreateSession(ctx context.Context, caller model.Identity, in CreateSessionInput) (*model.AttendanceSession, error) {
	if caller.UserID == "" {
		return nil, errs.ErrUnauthenticated
	}
	if !caller.CanManageSessions() {
		return nil, errs.ErrForbidden
	}
	in.SectionID = strings.TrimSpace(in.SectionID)
	if in.SectionID == "" {
		return nil, fmt.Errorf("%w: section id required", errs.ErrInvalidInput)
	}
	duration := DefaultDuration
	if in.DurationMinutes != 0 {
		if in.DurationMinutes < 1 || in.DurationMinutes > MaxDurationMinutes {
			return nil, fmt.Errorf("%w: duration must be between 1 and %d minutes", errs.ErrInvalidInput, MaxDurationMinutes)
		}
		duration = time.Duration(in.DurationMinutes) * time.Minute
	}

	now := m.opts.Now().UTC()
	end := now.Add(duration)
	sess := model.AttendanceSession{
		ID:               uuid.New(),
		SectionID:        in.SectionID,
		StartsAt:         now,
		EndsAt:           &end,
		RequireBiometric: in.RequireBiometric,
		CreatedBy:        caller.UserID,
		CreatedAt:        now,
	}

	for attempt := 1; attempt <= m.opts.CodeAttempts; attempt++ {
		code, err := m.newCode()
		if err != nil {
			return nil, err
		}
		sess.Code = code
		err = m.sessions.Create(ctx, &sess)
		if err == nil {
			m.opts.Metrics.SessionsOpened.Inc()
			m.opts.Logger.Info("session opened",
				zap.String("session_id", sess.ID.String()),
				zap.String("section_id", sess.SectionID),
				zap.String("created_by", caller.UserID),
				zap.Bool("require_biometric", sess.RequireBiometric),
			)
			return &sess, nil
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		m.opts.Metrics.CodeRetries.Inc()
		m.opts.Logger.Debug("session code collision", zap.Int("attempt", attempt))
	}
	return nil, errs.ErrCodeCollision
}

// Get loads a session by id.
func (m *SessionManager) Get(ctx context.Context, id uuid.UUID) (*model.AttendanceSession, error) {
	return getSession(ctx, m.sessions, id)
}

// LookupByCode resolves a code typed by a student.
func (m *SessionManager) LookupByCode(ctx context.Context, code string) (*model.AttendanceSession, error) {
	return lookupCode(ctx, m.sessions, code)
}

// State classifies s with the manager's clock.
func (m *SessionManager) State(s model.AttendanceSession) State {
	return SessionState(s, m.opts.Now())
}

// ListActive returns the sessions of sectionIDs active now, each flagged with
// whether the caller already has a record in it.
func (m *SessionManager) ListActive(ctx context.Context, caller model.Identity, sectionIDs []string) ([]ActiveSession, error) {
	if caller.UserID == "" {
		return nil, errs.ErrUnauthenticated
	}
	ids := make([]string, 0, len(sectionIDs))
	for _, id := range sectionIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one section id required", errs.ErrInvalidInput)
	}

	now := m.opts.Now()
	started, err := m.sessions.ListStartedBefore(ctx, ids, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]ActiveSession, 0, len(started))
	for _, s := range started {
		if !IsActive(s, now) {
			continue
		}
		attended := true
		if _, err := m.records.Get(ctx, s.ID, caller.UserID); err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				return nil, fmt.Errorf("load record: %w", err)
			}
			attended = false
		}
		out = append(out, ActiveSession{AttendanceSession: s, State: StateActive, HasAttended: attended})
	}
	return out, nil
}

func getSession(ctx context.Context, repo repository.SessionRepository, id uuid.UUID) (*model.AttendanceSession, error) {
	s, err := repo.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

func lookupCode(ctx context.Context, repo repository.SessionRepository, code string) (*model.AttendanceSession, error) {
	code = NormalizeCode(code)
	if !validCode(code) {
		return nil, errs.ErrSessionNotFound
	}
	s, err := repo.GetByCode(ctx, code)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}
