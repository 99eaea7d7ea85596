package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	log, err := New("prod", "warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = New("dev", "loud")
	require.Error(t, err)
}

func TestGinMiddleware_SkipsPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	r := gin.New()
	r.Use(GinMiddleware(zap.New(core), "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/v1/x", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	for _, p := range []string{"/healthz", "/v1/x"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	entries := logs.FilterMessage("http").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/v1/x", entries[0].ContextMap()["path"])
	assert.EqualValues(t, http.StatusTeapot, entries[0].ContextMap()["status"])
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.ErrorLevel)
	r := gin.New()
	r.Use(Recovery(zap.New(core)))
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic").Len())
}

func TestUse_LogsRecoveredPanics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	r := gin.New()
	Use(r, zap.New(core), "/healthz")
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	require.Equal(t, 1, logs.FilterMessage("panic").Len())
	access := logs.FilterMessage("http").All()
	require.Len(t, access, 1)
	assert.Equal(t, zapcore.ErrorLevel, access[0].Level)
	assert.EqualValues(t, http.StatusInternalServerError, access[0].ContextMap()["status"])
}
