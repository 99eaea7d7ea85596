package ceremony

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"uniattend/internal/challenge"
	"uniattend/internal/errs"
	"uniattend/internal/metrics"
	"uniattend/internal/model"
	"uniattend/internal/repository/memory"
)

const alice = "stu-alice"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubMarker struct {
	err   error
	calls int
}

func (m *stubMarker) Mark(_ context.Context, sessionID uuid.UUID, studentID string, method model.Method) (*model.AttendanceRecord, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &model.AttendanceRecord{SessionID: sessionID, StudentID: studentID, Method: method, Status: model.StatusPresent}, nil
}

type fixture struct {
	svc     *Service
	creds   *memory.Credentials
	clock   *clock
	marker  *stubMarker
	logs    *observer.ObservedLogs
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		creds:   memory.NewCredentials(),
		clock:   &clock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		marker:  &stubMarker{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	svc, err := NewService(f.creds, challenge.NewMemoryStore(f.clock.Now), f.marker, Config{
		RPID:      testRPID,
		RPName:    "KKU Attendance System",
		Origins:   []string{testOrigin},
		Timeout:   60 * time.Second,
		RequireUV: true,
	}, Options{Now: f.clock.Now, Logger: zap.New(core), Metrics: f.metrics})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, a *authenticator) *model.Credential {
	t.Helper()
	ctx := context.Background()
	opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
	require.NoError(t, err)
	cred, err := f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, a.registration(t, regParams{challenge: opts.Challenge}))
	require.NoError(t, err)
	return cred
}

func (f *fixture) beginAssert(t *testing.T) string {
	t.Helper()
	opts, err := f.svc.BeginAuthentication(context.Background(), alice, alice)
	require.NoError(t, err)
	return opts.Challenge
}

func TestRegisterThenAuthenticate_ReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)

	cred := f.register(t, a)
	assert.Equal(t, uint32(0), cred.SignCount)
	assert.Equal(t, int64(-7), cred.Algorithm)
	assert.Equal(t, "none", cred.AttestationFormat)

	ch := f.beginAssert(t)
	res, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1, userHandle: alice}), nil)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, uint32(1), res.SignCount)

	stored, err := f.creds.Get(ctx, alice, a.credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)

	ch = f.beginAssert(t)
	_, err = f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1}), nil)
	require.ErrorIs(t, err, errs.ErrReplayDetected)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReplayDetected))
	replays := f.logs.FilterMessage("webauthn replay detected").All()
	require.Len(t, replays, 1)
	assert.Equal(t, zapcore.ErrorLevel, replays[0].Level)
	assert.Equal(t, "replay", replays[0].ContextMap()["security"])

	ch = f.beginAssert(t)
	_, err = f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 0}), nil)
	require.ErrorIs(t, err, errs.ErrReplayDetected)

	ch = f.beginAssert(t)
	res, err = f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 7}), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), res.SignCount)
}

func TestFinishAuthentication_ConcurrentSameCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)
	f.register(t, a)

	const n = 8
	bodies := make([][]byte, n)
	challenges := make([]string, n)
	for i := range bodies {
		challenges[i] = f.beginAssert(t)
		bodies[i] = a.assertion(t, assertParams{challenge: challenges[i], counter: 1})
	}

	errsCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.FinishAuthentication(ctx, alice, alice, challenges[i], bodies[i], nil)
			errsCh <- err
		}(i)
	}
	wg.Wait()
	close(errsCh)

	var ok, replays int
	for err := range errsCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrReplayDetected):
			replays++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, replays)
}

func TestChallengeSingleUse(t *testing.T) {
	ctx := context.Background()

	t.Run("after success", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
		require.NoError(t, err)
		body := a.registration(t, regParams{challenge: opts.Challenge})
		_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, body)
		require.NoError(t, err)
		_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, body)
		require.ErrorIs(t, err, errs.ErrChallengeMismatch)
	})

	t.Run("after failure", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
		require.NoError(t, err)
		_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, []byte(`{"garbage":true}`))
		require.ErrorIs(t, err, errs.ErrMalformedResponse)
		_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, a.registration(t, regParams{challenge: opts.Challenge}))
		require.ErrorIs(t, err, errs.ErrChallengeMismatch)
	})

	t.Run("assertion", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		f.register(t, a)
		ch := f.beginAssert(t)
		_, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1}), nil)
		require.NoError(t, err)
		_, err = f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 2}), nil)
		require.ErrorIs(t, err, errs.ErrChallengeMismatch)
	})
}

func TestFinishRegistration_Rejects(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		params func(challenge string) regParams
		want   error
	}{
		{"embedded challenge differs", func(string) regParams {
			return regParams{challenge: b64([]byte("not-the-issued-challenge-value!!"))}
		}, errs.ErrChallengeMismatch},
		{"wrong ceremony type", func(c string) regParams { return regParams{challenge: c, typ: "webauthn.get"} }, errs.ErrMalformedResponse},
		{"foreign origin", func(c string) regParams { return regParams{challenge: c, origin: "https://evil.example"} }, errs.ErrMalformedResponse},
		{"foreign rp id", func(c string) regParams { return regParams{challenge: c, rpID: "evil.example"} }, errs.ErrMalformedResponse},
		{"no user verification", func(c string) regParams { return regParams{challenge: c, flags: flagUP | flagAT} }, errs.ErrMalformedResponse},
		{"no user presence", func(c string) regParams { return regParams{challenge: c, flags: flagUV | flagAT} }, errs.ErrMalformedResponse},
		{"fido-u2f without certificate", func(c string) regParams { return regParams{challenge: c, format: "fido-u2f"} }, errs.ErrMalformedResponse},
		{"unknown format", func(c string) regParams { return regParams{challenge: c, format: "x-custom"} }, errs.ErrMalformedResponse},
		{"packed bad signature", func(c string) regParams { return regParams{challenge: c, format: "packed", badSig: true} }, errs.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := newAuthenticator(t)
			opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
			require.NoError(t, err)
			_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, a.registration(t, tt.params(opts.Challenge)))
			require.ErrorIs(t, err, tt.want)
			n, err := f.svc.HasCredentials(ctx, alice)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestFinishRegistration_PackedSelfAttestation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)
	opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
	require.NoError(t, err)
	cred, err := f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, a.registration(t, regParams{challenge: opts.Challenge, format: "packed"}))
	require.NoError(t, err)
	assert.Equal(t, "packed", cred.AttestationFormat)
}

func TestFinishRegistration_ExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)
	opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
	require.NoError(t, err)
	f.clock.Advance(61 * time.Second)
	_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, a.registration(t, regParams{challenge: opts.Challenge}))
	require.ErrorIs(t, err, errs.ErrChallengeMismatch)
}

func TestFinishRegistration_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)
	f.register(t, a)

	opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
	require.NoError(t, err)
	require.Len(t, opts.ExcludeCredentials, 1)
	assert.Equal(t, b64(a.credID), opts.ExcludeCredentials[0].ID)

	_, err = f.svc.FinishRegistration(ctx, alice, alice, opts.Challenge, a.registration(t, regParams{challenge: opts.Challenge}))
	require.ErrorIs(t, err, errs.ErrDuplicateCredential)
}

func TestCallerChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.BeginRegistration(ctx, "", alice, "Alice")
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
	_, err = f.svc.BeginRegistration(ctx, "mallory", alice, "Alice")
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.svc.BeginAuthentication(ctx, "mallory", alice)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.svc.FinishRegistration(ctx, "mallory", alice, "AAAA", nil)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.svc.FinishAuthentication(ctx, "", alice, "AAAA", nil, nil)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestBeginAuthentication_NoCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.BeginAuthentication(context.Background(), alice, alice)
	require.ErrorIs(t, err, errs.ErrNoCredentialsEnrolled)
}

func TestBeginOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.svc.BeginRegistration(ctx, alice, alice, "")
	require.NoError(t, err)
	assert.Equal(t, int64(60000), reg.Timeout)
	assert.Equal(t, testRPID, reg.RP.ID)
	assert.Equal(t, b64([]byte(alice)), reg.User.ID)
	assert.Equal(t, alice, reg.User.Name)
	assert.Equal(t, "required", reg.AuthenticatorSelection.UserVerification)
	assert.Equal(t, "platform", reg.AuthenticatorSelection.AuthenticatorAttachment)
	require.Len(t, reg.PubKeyCredParams, 3)
	assert.Equal(t, int64(-7), reg.PubKeyCredParams[0].Alg)
	decoded, err := decodeChallenge(reg.Challenge)
	require.NoError(t, err)
	assert.Len(t, decoded, challenge.Size)

	a := newAuthenticator(t)
	f.register(t, a)
	as, err := f.svc.BeginAuthentication(ctx, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{b64(a.credID)}, as.AllowedCredentialIDs)
	assert.Equal(t, testRPID, as.RPID)
}

func TestFinishAuthentication_Rejects(t *testing.T) {
	ctx := context.Background()

	t.Run("credential of someone else", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		f.register(t, a)
		ch := f.beginAssert(t)
		stranger := newAuthenticator(t)
		_, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, stranger.assertion(t, assertParams{challenge: ch, counter: 1}), nil)
		require.ErrorIs(t, err, errs.ErrUnknownCredential)
	})

	t.Run("signed by another key", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		f.register(t, a)
		ch := f.beginAssert(t)
		_, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1, signer: newAuthenticator(t)}), nil)
		require.ErrorIs(t, err, errs.ErrSignatureInvalid)
		stored, err := f.creds.Get(ctx, alice, a.credID)
		require.NoError(t, err)
		assert.Zero(t, stored.SignCount)
	})

	t.Run("user handle of another identity", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		f.register(t, a)
		ch := f.beginAssert(t)
		_, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1, userHandle: "stu-bob"}), nil)
		require.ErrorIs(t, err, errs.ErrUnknownCredential)
	})

	t.Run("challenge from registration", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		f.register(t, a)
		opts, err := f.svc.BeginRegistration(ctx, alice, alice, "Alice")
		require.NoError(t, err)
		_, err = f.svc.FinishAuthentication(ctx, alice, alice, opts.Challenge, a.assertion(t, assertParams{challenge: opts.Challenge, counter: 1}), nil)
		require.ErrorIs(t, err, errs.ErrChallengeMismatch)
	})

	t.Run("missing user verification", func(t *testing.T) {
		f := newFixture(t)
		a := newAuthenticator(t)
		f.register(t, a)
		ch := f.beginAssert(t)
		_, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1, flags: flagUP}), nil)
		require.ErrorIs(t, err, errs.ErrMalformedResponse)
	})
}

func TestFinishAuthentication_MarksAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)
	f.register(t, a)
	sessionID := uuid.New()

	ch := f.beginAssert(t)
	res, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 1}), &sessionID)
	require.NoError(t, err)
	assert.True(t, res.AttendanceMarked)
	require.NotNil(t, res.Attendance)
	assert.Equal(t, model.MethodBiometric, res.Attendance.Method)
	assert.Equal(t, sessionID, res.Attendance.SessionID)

	f.marker.err = errs.ErrAlreadyMarked
	ch = f.beginAssert(t)
	res, err = f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 2}), &sessionID)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.AttendanceMarked)
	assert.True(t, errors.Is(res.AttendanceErr, errs.ErrAlreadyMarked))
	assert.Equal(t, 2, f.marker.calls)
}

func TestFinishAuthentication_NoMarkOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := newAuthenticator(t)
	f.register(t, a)
	sessionID := uuid.New()

	ch := f.beginAssert(t)
	_, err := f.svc.FinishAuthentication(ctx, alice, alice, ch, a.assertion(t, assertParams{challenge: ch, counter: 0}), &sessionID)
	require.ErrorIs(t, err, errs.ErrReplayDetected)
	assert.Zero(t, f.marker.calls)
}

func TestHasCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.svc.HasCredentials(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.register(t, newAuthenticator(t))
	f.register(t, newAuthenticator(t))
	n, err = f.svc.HasCredentials(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.svc.HasCredentials(ctx, "")
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestVerifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"challenge", protocol.ErrChallengeMismatch.WithDetails("stale"), errs.ErrChallengeMismatch},
		{"signature", protocol.ErrAssertionSignature.WithDetails("bad"), errs.ErrSignatureInvalid},
		{"verification", protocol.ErrVerification.WithDetails("origin"), errs.ErrMalformedResponse},
		{"attestation", protocol.ErrAttestationFormat.WithDetails("fmt"), errs.ErrMalformedResponse},
		{"plain", errors.New("boom"), errs.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, verifyError(tt.err), tt.want)
		})
	}
}
