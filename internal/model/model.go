// Package model contains the typed entities shared across layers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// CeremonyKind tells which WebAuthn ceremony a challenge was issued for.
type CeremonyKind string

const (
	CeremonyRegistration   CeremonyKind = "registration"
	CeremonyAuthentication CeremonyKind = "authentication"
)

// Valid reports whether k is a known ceremony kind.
func (k CeremonyKind) Valid() bool {
	return k == CeremonyRegistration || k == CeremonyAuthentication
}

// Credential is one registered authenticator bound to an identity.
type Credential struct {
	ID                []byte
	UserID            string
	PublicKey         []byte // COSE_Key
	Algorithm         int64
	SignCount         uint32
	AAGUID            []byte
	AttestationFormat string
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

// Challenge is a single-use random value issued for one ceremony.
type Challenge struct {
	Value              []byte       `json:"value"`
	UserID             string       `json:"user_id"`
	Kind               CeremonyKind `json:"kind"`
	IssuedAt           time.Time    `json:"issued_at"`
	ExpiresAt          time.Time    `json:"expires_at"`
	AllowedCredentials [][]byte     `json:"allowed_credentials,omitempty"`
}

// Expired reports whether the challenge can no longer be accepted at now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Status is the attendance outcome stored on a record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Method is how the student proved presence.
type Method string

const (
	MethodCode      Method = "code"
	MethodBiometric Method = "biometric"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodCode || m == MethodBiometric
}

// AttendanceSession is a time-boxed window for marking attendance.
type AttendanceSession struct {
	ID               uuid.UUID  `json:"id"`
	SectionID        string     `json:"section_id"`
	Code             string     `json:"code"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	RequireBiometric bool       `json:"require_biometric"`
	CreatedBy        string     `json:"created_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AttendanceRecord is the single mark of one student in one session.
type AttendanceRecord struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	StudentID string    `json:"student_id"`
	Status    Status    `json:"status"`
	Method    Method    `json:"method"`
	MarkedAt  time.Time `json:"marked_at"`
}

// Roles carried in the identity provider's role claim.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// CanManageSessions reports whether the caller may open sessions and read
// their records.
func (i Identity) CanManageSessions() bool {
	return i.Role == RoleInstructor || i.Role == RoleAdmin
}
