// Package errs contains sentinel errors shared by the repository, service and
// transport layers. Callers compare with errors.Is; the HTTP layer is the only
// place that turns them into status codes.
package errs

import "errors"

// Storage-level sentinels.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStorage wraps transient infrastructure failures (timeouts, connectivity).
	ErrStorage = errors.New("storage failure")

	// ErrInvalidInput indicates a request that fails basic validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Identity and authorization.
var (
	// ErrUnauthenticated indicates the caller identity could not be established.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden indicates the caller acts on an identity other than its own
	// or lacks the role required for the operation.
	ErrForbidden = errors.New("forbidden")
)

// WebAuthn ceremony failures.
var (
	ErrNoCredentialsEnrolled = errors.New("no credentials enrolled")
	ErrChallengeMismatch     = errors.New("challenge mismatch")
	ErrMalformedResponse     = errors.New("malformed authenticator response")
	ErrDuplicateCredential   = errors.New("duplicate credential")
	ErrUnknownCredential     = errors.New("unknown credential")
	ErrSignatureInvalid      = errors.New("signature invalid")

	// ErrReplayDetected indicates a signature counter that did not advance.
	// A cloned authenticator or a replayed assertion produces it.
	ErrReplayDetected = errors.New("replay detected")
)

// Attendance failures.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session not active")
	ErrBiometricRequired = errors.New("biometric verification required")
	ErrAlreadyMarked     = errors.New("attendance already marked")

	// ErrCodeCollision is returned when every generated session code collided.
	ErrCodeCollision = errors.New("session code collision")
)
