package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"uniattend/internal/errs"
)

type errorKind struct {
	status  int
	code    string
	message string
}

// Verification failures share one response so clients cannot tell which
// check failed.
var verificationFailed = errorKind{http.StatusUnauthorized, "verification_failed", "authentication failed"}

var kinds = []struct {
	target error
	kind   errorKind
}{
	{errs.ErrUnauthenticated, errorKind{http.StatusUnauthorized, "unauthenticated", "authentication required"}},
	{errs.ErrForbidden, errorKind{http.StatusForbidden, "forbidden", "not allowed"}},
	{errs.ErrNoCredentialsEnrolled, errorKind{http.StatusConflict, "no_credentials_enrolled", "no biometric credential enrolled"}},
	{errs.ErrChallengeMismatch, errorKind{http.StatusBadRequest, "challenge_mismatch", "challenge invalid or expired"}},
	{errs.ErrMalformedResponse, errorKind{http.StatusBadRequest, "malformed_response", "authenticator response rejected"}},
	{errs.ErrDuplicateCredential, errorKind{http.StatusConflict, "duplicate_credential", "credential already registered"}},
	{errs.ErrUnknownCredential, verificationFailed},
	{errs.ErrSignatureInvalid, verificationFailed},
	{errs.ErrReplayDetected, verificationFailed},
	{errs.ErrSessionNotFound, errorKind{http.StatusNotFound, "session_not_found", "session not found"}},
	{errs.ErrSessionExpired, errorKind{http.StatusGone, "session_expired", "session is not active"}},
	{errs.ErrBiometricRequired, errorKind{http.StatusForbidden, "biometric_required", "this session requires biometric verification"}},
	{errs.ErrAlreadyMarked, errorKind{http.StatusOK, "already_marked", "attendance already marked"}},
	{errs.ErrCodeCollision, errorKind{http.StatusServiceUnavailable, "code_collision", "could not allocate a session code, retry"}},
	{errs.ErrInvalidInput, errorKind{http.StatusBadRequest, "invalid_input", "invalid request"}},
	{errs.ErrStorage, errorKind{http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable"}},
}

var internalError = errorKind{http.StatusInternalServerError, "internal", "internal error"}

func classify(err error) errorKind {
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return internalError
}

// writeError is the only place sentinel errors become status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	k := classify(err)
	if k.status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	msg := k.message
	if k.code == "invalid_input" {
		msg = err.Error()
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(k.status, gin.H{"error": msg, "code": k.code})
}
