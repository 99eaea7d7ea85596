// Package memory provides mutex-guarded in-memory repositories for local
// development and tests. They enforce the same uniqueness rules as the
// Postgres schema.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"uniattend/internal/errs"
	"uniattend/internal/model"
)

// Credentials is an in-memory repository.CredentialRepository.
type Credentials struct {
	mu   sync.Mutex
	byID map[string]model.Credential
}

// NewCredentials creates an empty credential store.
func NewCredentials() *Credentials {
	return &Credentials{byID: make(map[string]model.Credential)}
}

func (s *Credentials) Create(_ context.Context, c *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(c.ID)
	if _, ok := s.byID[key]; ok {
		return errs.ErrAlreadyExists
	}
	s.byID[key] = cloneCredential(*c)
	return nil
}

func (s *Credentials) Get(_ context.Context, userID string, credentialID []byte) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[string(credentialID)]
	if !ok || c.UserID != userID {
		return nil, errs.ErrNotFound
	}
	out := cloneCredential(c)
	return &out, nil
}

func (s *Credentials) ListByUser(_ context.Context, userID string) ([]model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Credential
	for _, c := range s.byID {
		if c.UserID == userID {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return bytes.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Credentials) AdvanceCounter(_ context.Context, userID string, credentialID []byte, newCount uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(credentialID)
	c, ok := s.byID[key]
	if !ok || c.UserID != userID || c.SignCount >= newCount {
		return errs.ErrReplayDetected
	}
	c.SignCount = newCount
	c.LastUsedAt = &usedAt
	s.byID[key] = c
	return nil
}

func cloneCredential(c model.Credential) model.Credential {
	c.ID = slices.Clone(c.ID)
	c.PublicKey = slices.Clone(c.PublicKey)
	c.AAGUID = slices.Clone(c.AAGUID)
	return c
}

// Sessions is an in-memory repository.SessionRepository.
type Sessions struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]model.AttendanceSession
	byCode map[string]uuid.UUID
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions {
	return &Sessions{
		byID:   make(map[uuid.UUID]model.AttendanceSession),
		byCode: make(map[string]uuid.UUID),
	}
}

func (s *Sessions) Create(_ context.Context, sess *model.AttendanceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[sess.Code]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := s.byID[sess.ID]; ok {
		return errs.ErrAlreadyExists
	}
	s.byID[sess.ID] = *sess
	s.byCode[sess.Code] = sess.ID
	return nil
}

func (s *Sessions) Get(_ context.Context, id uuid.UUID) (*model.AttendanceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &sess, nil
}

func (s *Sessions) GetByCode(_ context.Context, code string) (*model.AttendanceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, errs.ErrNotFound
	}
	sess := s.byID[id]
	return &sess, nil
}

func (s *Sessions) ListStartedBefore(_ context.Context, sectionIDs []string, at time.Time) ([]model.AttendanceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AttendanceSession
	for _, sess := range s.byID {
		if slices.Contains(sectionIDs, sess.SectionID) && !sess.StartsAt.After(at) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.After(out[j].StartsAt) })
	return out, nil
}

type recordKey struct {
	session uuid.UUID
	student string
}

// Records is an in-memory repository.RecordRepository.
type Records struct {
	mu   sync.Mutex
	rows map[recordKey]model.AttendanceRecord
}

// NewRecords creates an empty record store.
func NewRecords() *Records {
	return &Records{rows: make(map[recordKey]model.AttendanceRecord)}
}

func (s *Records) Create(_ context.Context, r *model.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{session: r.SessionID, student: r.StudentID}
	if _, ok := s.rows[k]; ok {
		return errs.ErrAlreadyExists
	}
	s.rows[k] = *r
	return nil
}

func (s *Records) Get(_ context.Context, sessionID uuid.UUID, studentID string) (*model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[recordKey{session: sessionID, student: studentID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (s *Records) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AttendanceRecord
	for k, r := range s.rows {
		if k.session == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

func (s *Records) ListByStudent(_ context.Context, studentID string, limit int) ([]model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AttendanceRecord
	for k, r := range s.rows {
		if k.student == studentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records; used by tests.
func (s *Records) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
