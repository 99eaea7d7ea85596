// Package handler exposes the ceremony and attendance services over HTTP.
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"uniattend/internal/attendance"
	"uniattend/internal/auth"
	"uniattend/internal/ceremony"
	"uniattend/internal/errs"
	"uniattend/internal/model"
)

// Handler holds the services behind the /v1 routes.
type Handler struct {
	ceremony *ceremony.Service
	sessions *attendance.SessionManager
	recorder *attendance.Recorder
	log      *zap.Logger
}

// New builds a Handler.
func New(cer *ceremony.Service, sessions *attendance.SessionManager, recorder *attendance.Recorder, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{ceremony: cer, sessions: sessions, recorder: recorder, log: log}
}

// Register mounts every route on g. g must already authenticate callers.
func (h *Handler) Register(g *gin.RouterGroup) {
	wa := g.Group("/webauthn")
	wa.POST("/register/challenge", h.RegisterChallenge)
	wa.POST("/register/verify", h.RegisterVerify)
	wa.POST("/assert/challenge", h.AssertChallenge)
	wa.POST("/assert/verify", h.AssertVerify)
	wa.GET("/credentials", h.Credentials)

	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions/active", h.ActiveSessions)
	g.GET("/sessions/code/:code", h.SessionByCode)
	g.GET("/sessions/:id", h.GetSession)
	g.GET("/sessions/:id/qr.png", h.SessionQR)
	g.GET("/sessions/:id/attendance", h.SessionAttendance)

	g.POST("/attendance", h.MarkByCode)
	g.GET("/attendance/me", h.MyAttendance)
}

// ---------- WebAuthn ----------

type registerChallengeRequest struct {
	UserID   string `json:"userId" binding:"required"`
	UserName string `json:"userName"`
}

func (h *Handler) RegisterChallenge(c *gin.Context) {
	var req registerChallengeRequest
	if !h.bind(c, &req) {
		return
	}
	opts, err := h.ceremony.BeginRegistration(c.Request.Context(), auth.FromGin(c).UserID, req.UserID, req.UserName)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

type registerVerifyRequest struct {
	UserID     string          `json:"userId" binding:"required"`
	Credential json.RawMessage `json:"credential" binding:"required"`
	Challenge  string          `json:"challenge" binding:"required"`
}

func (h *Handler) RegisterVerify(c *gin.Context) {
	var req registerVerifyRequest
	if !h.bind(c, &req) {
		return
	}
	cred, err := h.ceremony.FinishRegistration(c.Request.Context(), auth.FromGin(c).UserID, req.UserID, req.Challenge, req.Credential)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "credentialId": encodeID(cred.ID)})
}

type assertChallengeRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *Handler) AssertChallenge(c *gin.Context) {
	var req assertChallengeRequest
	if !h.bind(c, &req) {
		return
	}
	opts, err := h.ceremony.BeginAuthentication(c.Request.Context(), auth.FromGin(c).UserID, req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

type assertVerifyRequest struct {
	UserID    string          `json:"userId" binding:"required"`
	Assertion json.RawMessage `json:"assertion" binding:"required"`
	Challenge string          `json:"challenge" binding:"required"`
	SessionID string          `json:"sessionId"`
}

func (h *Handler) AssertVerify(c *gin.Context) {
	var req assertVerifyRequest
	if !h.bind(c, &req) {
		return
	}
	var sessionID *uuid.UUID
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			h.writeError(c, errs.ErrInvalidInput)
			return
		}
		sessionID = &id
	}
	res, err := h.ceremony.FinishAuthentication(c.Request.Context(), auth.FromGin(c).UserID, req.UserID, req.Challenge, req.Assertion, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	body := gin.H{
		"verified":         res.Verified,
		"attendanceMarked": res.AttendanceMarked,
		"signCount":        res.SignCount,
	}
	if res.Attendance != nil {
		body["attendance"] = res.Attendance
	}
	if res.AttendanceErr != nil {
		body["reason"] = classify(res.AttendanceErr).code
		if errors.Is(res.AttendanceErr, errs.ErrAlreadyMarked) {
			body["alreadyMarked"] = true
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) Credentials(c *gin.Context) {
	n, err := h.ceremony.HasCredentials(c.Request.Context(), auth.FromGin(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolled": n > 0, "count": n})
}

// ---------- Sessions ----------

type createSessionRequest struct {
	SectionID        string `json:"section_id" binding:"required"`
	DurationMinutes  int    `json:"duration_minutes"`
	RequireBiometric bool   `json:"require_biometric"`
}

type sessionView struct {
	*model.AttendanceSession
	State attendance.State `json:"state"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if !h.bind(c, &req) {
		return
	}
	s, err := h.sessions.CreateSession(c.Request.Context(), auth.FromGin(c), attendance.CreateSessionInput{
		SectionID:        req.SectionID,
		DurationMinutes:  req.DurationMinutes,
		RequireBiometric: req.RequireBiometric,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionView{s, h.sessions.State(*s)})
}

func (h *Handler) ActiveSessions(c *gin.Context) {
	var sections []string
	for _, v := range c.QueryArray("section_id") {
		sections = append(sections, strings.Split(v, ",")...)
	}
	list, err := h.sessions.ListActive(c.Request.Context(), auth.FromGin(c), sections)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) SessionByCode(c *gin.Context) {
	s, err := h.sessions.LookupByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView{s, h.sessions.State(*s)})
}

func (h *Handler) GetSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	s, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView{s, h.sessions.State(*s)})
}

func (h *Handler) SessionQR(c *gin.Context) {
	if !auth.FromGin(c).CanManageSessions() {
		h.writeError(c, errs.ErrForbidden)
		return
	}
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	size := 0
	if v := c.Query("size"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 64 || parsed > 2048 {
			h.writeError(c, errs.ErrInvalidInput)
			return
		}
		size = parsed
	}
	png, err := h.sessions.QRCode(c.Request.Context(), id, size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) SessionAttendance(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	recs, err := h.recorder.ListForSession(c.Request.Context(), auth.FromGin(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// ---------- Attendance ----------

type markRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) MarkByCode(c *gin.Context) {
	var req markRequest
	if !h.bind(c, &req) {
		return
	}
	rec, err := h.recorder.MarkByCode(c.Request.Context(), req.Code, auth.FromGin(c).UserID)
	if errors.Is(err, errs.ErrAlreadyMarked) {
		c.JSON(http.StatusOK, gin.H{"marked": false, "alreadyMarked": true})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"marked": true, "record": rec})
}

func (h *Handler) MyAttendance(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.writeError(c, errs.ErrInvalidInput)
			return
		}
		limit = parsed
	}
	recs, err := h.recorder.ListMine(c.Request.Context(), auth.FromGin(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// ---------- helpers ----------

func encodeID(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.writeError(c, errors.Join(errs.ErrInvalidInput, err))
		return false
	}
	return true
}

func (h *Handler) sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.writeError(c, errs.ErrSessionNotFound)
		return uuid.Nil, false
	}
	return id, true
}
