// Package ceremony runs the WebAuthn registration and authentication
// ceremonies: it issues single-use challenges, verifies what the
// authenticator signed, and keeps the signature counter moving forward.
package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"uniattend/internal/challenge"
	"uniattend/internal/errs"
	"uniattend/internal/metrics"
	"uniattend/internal/model"
	"uniattend/internal/repository"
)

// Marker records attendance once an assertion is verified.
type Marker interface {
	Mark(ctx context.Context, sessionID uuid.UUID, studentID string, method model.Method) (*model.AttendanceRecord, error)
}

// Config describes the relying party.
type Config struct {
	RPID      string
	RPName    string
	Origins   []string
	Timeout   time.Duration
	RequireUV bool
}

// Options carries the collaborators every service takes.
type Options struct {
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service implements both ceremonies.
type Service struct {
	wa         *webauthn.WebAuthn
	creds      repository.CredentialRepository
	challenges challenge.Store
	marker     Marker
	cfg        Config
	now        func() time.Time
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewService wires a ceremony service. marker may be nil when attendance is
// never marked from an assertion.
func NewService(creds repository.CredentialRepository, challenges challenge.Store, marker Marker, cfg Config, opts Options) (*Service, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPName,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Service{
		wa:         wa,
		creds:      creds,
		challenges: challenges,
		marker:     marker,
		cfg:        cfg,
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

// RelyingParty identifies this service to the authenticator.
type RelyingParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is the account a credential is created for.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// CredentialParameter is one acceptable key type.
type CredentialParameter struct {
	Type string `json:"type"`
	Alg  int64  `json:"alg"`
}

// CredentialDescriptor references an existing credential.
type CredentialDescriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AuthenticatorSelection constrains which authenticator may answer.
type AuthenticatorSelection struct {
	AuthenticatorAttachment string `json:"authenticatorAttachment"`
	ResidentKey             string `json:"residentKey"`
	UserVerification        string `json:"userVerification"`
}

// RegistrationOptions is handed to navigator.credentials.create.
type RegistrationOptions struct {
	Challenge              string                 `json:"challenge"`
	RP                     RelyingParty           `json:"rp"`
	User                   User                   `json:"user"`
	PubKeyCredParams       []CredentialParameter  `json:"pubKeyCredParams"`
	Timeout                int64                  `json:"timeout"`
	Attestation            string                 `json:"attestation"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	ExcludeCredentials     []CredentialDescriptor `json:"excludeCredentials"`
}

// AssertionOptions is handed to navigator.credentials.get.
type AssertionOptions struct {
	Challenge            string                 `json:"challenge"`
	Timeout              int64                  `json:"timeout"`
	RPID                 string                 `json:"rpId"`
	UserVerification     string                 `json:"userVerification"`
	AllowCredentials     []CredentialDescriptor `json:"allowCredentials"`
	AllowedCredentialIDs []string               `json:"allowedCredentialIds"`
}

// VerificationResult is the outcome of a successful assertion.
type VerificationResult struct {
	Verified         bool                    `json:"verified"`
	CredentialID     string                  `json:"credentialId"`
	SignCount        uint32                  `json:"signCount"`
	AttendanceMarked bool                    `json:"attendanceMarked"`
	Attendance       *model.AttendanceRecord `json:"attendance,omitempty"`
	// AttendanceErr is why attendance was not marked when a session was given.
	AttendanceErr error `json:"-"`
}

func (s *Service) userVerification() string {
	if s.cfg.RequireUV {
		return "required"
	}
	return "preferred"
}

func checkCaller(caller, userID string) error {
	if caller == "" {
		return errs.ErrUnauthenticated
	}
	if caller != userID {
		return errs.ErrForbidden
	}
	return nil
}

func (s *Service) issue(ctx context.Context, kind model.CeremonyKind, userID string, allowed [][]byte) (model.Challenge, error) {
	value, err := challenge.NewValue()
	if err != nil {
		return model.Challenge{}, err
	}
	now := s.now()
	c := model.Challenge{
		Value:              value,
		UserID:             userID,
		Kind:               kind,
		IssuedAt:           now,
		ExpiresAt:          now.Add(s.cfg.Timeout),
		AllowedCredentials: allowed,
	}
	if err := s.challenges.Save(ctx, c); err != nil {
		return model.Challenge{}, fmt.Errorf("save challenge: %w", err)
	}
	return c, nil
}

// BeginRegistration issues a registration challenge for the caller.
func (s *Service) BeginRegistration(ctx context.Context, caller, userID, userName string) (*RegistrationOptions, error) {
	if err := checkCaller(caller, userID); err != nil {
		return nil, err
	}
	existing, err := s.creds.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	c, err := s.issue(ctx, model.CeremonyRegistration, userID, nil)
	if err != nil {
		return nil, err
	}
	if userName == "" {
		userName = userID
	}

	params := make([]CredentialParameter, 0, len(allowedAlgorithms))
	for _, alg := range allowedAlgorithms {
		params = append(params, CredentialParameter{Type: "public-key", Alg: alg})
	}
	exclude := make([]CredentialDescriptor, 0, len(existing))
	for _, cred := range existing {
		exclude = append(exclude, CredentialDescriptor{Type: "public-key", ID: encode(cred.ID)})
	}

	s.metrics.Ceremonies.WithLabelValues("registration", "begin").Inc()
	return &RegistrationOptions{
		Challenge:        encode(c.Value),
		RP:               RelyingParty{ID: s.cfg.RPID, Name: s.cfg.RPName},
		User:             User{ID: encode([]byte(userID)), Name: userName, DisplayName: userName},
		PubKeyCredParams: params,
		Timeout:          s.cfg.Timeout.Milliseconds(),
		Attestation:      string(protocol.PreferNoAttestation),
		AuthenticatorSelection: AuthenticatorSelection{
			AuthenticatorAttachment: "platform",
			ResidentKey:             "preferred",
			UserVerification:        s.userVerification(),
		},
		ExcludeCredentials: exclude,
	}, nil
}

// BeginAuthentication issues an assertion challenge restricted to the
// caller's registered credentials.
func (s *Service) BeginAuthentication(ctx context.Context, caller, userID string) (*AssertionOptions, error) {
	if err := checkCaller(caller, userID); err != nil {
		return nil, err
	}
	creds, err := s.creds.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, errs.ErrNoCredentialsEnrolled
	}
	allowed := make([][]byte, 0, len(creds))
	descriptors := make([]CredentialDescriptor, 0, len(creds))
	ids := make([]string, 0, len(creds))
	for _, cred := range creds {
		allowed = append(allowed, cred.ID)
		descriptors = append(descriptors, CredentialDescriptor{Type: "public-key", ID: encode(cred.ID)})
		ids = append(ids, encode(cred.ID))
	}
	c, err := s.issue(ctx, model.CeremonyAuthentication, userID, allowed)
	if err != nil {
		return nil, err
	}

	s.metrics.Ceremonies.WithLabelValues("authentication", "begin").Inc()
	return &AssertionOptions{
		Challenge:            encode(c.Value),
		Timeout:              s.cfg.Timeout.Milliseconds(),
		RPID:                 s.cfg.RPID,
		UserVerification:     s.userVerification(),
		AllowCredentials:     descriptors,
		AllowedCredentialIDs: ids,
	}, nil
}

// take consumes the challenge the client claims to answer. The challenge is
// gone afterwards whatever the outcome of the verification.
func (s *Service) take(ctx context.Context, kind model.CeremonyKind, userID, claimed string) (*model.Challenge, error) {
	value, err := decodeChallenge(claimed)
	if err != nil {
		return nil, err
	}
	return s.challenges.Take(ctx, kind, userID, value)
}

// FinishRegistration verifies an attestation and stores the new credential
// with a zero counter.
func (s *Service) FinishRegistration(ctx context.Context, caller, userID, claimedChallenge string, raw []byte) (*model.Credential, error) {
	cred, err := s.finishRegistration(ctx, caller, userID, claimedChallenge, raw)
	s.observe("registration", userID, err)
	return cred, err
}

func (s *Service) finishRegistration(ctx context.Context, caller, userID, claimedChallenge string, raw []byte) (*model.Credential, error) {
	if err := checkCaller(caller, userID); err != nil {
		return nil, err
	}
	stored, err := s.take(ctx, model.CeremonyRegistration, userID, claimedChallenge)
	if err != nil {
		return nil, err
	}
	parsed, err := parseRegistration(raw)
	if err != nil {
		return nil, err
	}
	if err := sameChallenge(parsed.Response.CollectedClientData, stored.Value); err != nil {
		return nil, err
	}
	created, err := s.wa.CreateCredential(newUser(userID, nil), sessionData(stored, s.cfg.RequireUV), parsed)
	if err != nil {
		return nil, verifyError(err)
	}
	if len(created.ID) == 0 || !bytes.Equal(created.ID, parsed.RawID) {
		return nil, fmt.Errorf("%w: credential id mismatch", errs.ErrMalformedResponse)
	}
	alg, err := keyAlgorithm(created.PublicKey)
	if err != nil {
		return nil, err
	}
	format := parsed.Response.AttestationObject.Format

	cred := &model.Credential{
		ID:                slices.Clone(created.ID),
		UserID:            userID,
		PublicKey:         slices.Clone(created.PublicKey),
		Algorithm:         alg,
		SignCount:         0,
		AAGUID:            slices.Clone(created.Authenticator.AAGUID),
		AttestationFormat: format,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, errs.ErrDuplicateCredential
		}
		return nil, fmt.Errorf("store credential: %w", err)
	}
	s.log.Info("webauthn credential registered",
		zap.String("user_id", userID),
		zap.String("credential_id", encode(cred.ID)),
		zap.Int64("alg", alg),
		zap.String("fmt", format),
		zap.String("attestation_type", created.AttestationType),
	)
	return cred, nil
}

// FinishAuthentication verifies an assertion, advances the stored counter
// and, when sessionID is set, marks biometric attendance.
func (s *Service) FinishAuthentication(ctx context.Context, caller, userID, claimedChallenge string, raw []byte, sessionID *uuid.UUID) (*VerificationResult, error) {
	res, err := s.finishAuthentication(ctx, caller, userID, claimedChallenge, raw)
	s.observe("authentication", userID, err)
	if err != nil {
		return nil, err
	}
	if sessionID == nil || s.marker == nil {
		return res, nil
	}
	rec, err := s.marker.Mark(ctx, *sessionID, userID, model.MethodBiometric)
	if err != nil {
		res.AttendanceErr = err
		return res, nil
	}
	res.AttendanceMarked = true
	res.Attendance = rec
	return res, nil
}

func (s *Service) finishAuthentication(ctx context.Context, caller, userID, claimedChallenge string, raw []byte) (*VerificationResult, error) {
	if err := checkCaller(caller, userID); err != nil {
		return nil, err
	}
	stored, err := s.take(ctx, model.CeremonyAuthentication, userID, claimedChallenge)
	if err != nil {
		return nil, err
	}
	parsed, err := parseAssertion(raw)
	if err != nil {
		return nil, err
	}
	if err := sameChallenge(parsed.Response.CollectedClientData, stored.Value); err != nil {
		return nil, err
	}

	// Unknown, foreign and out-of-list credentials all look alike to clients.
	rawID := parsed.RawID
	if len(stored.AllowedCredentials) > 0 && !slices.ContainsFunc(stored.AllowedCredentials, func(id []byte) bool {
		return bytes.Equal(id, rawID)
	}) {
		return nil, errs.ErrUnknownCredential
	}
	if h := parsed.Response.UserHandle; len(h) > 0 && string(h) != userID {
		return nil, errs.ErrUnknownCredential
	}
	owned, err := s.creds.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	i := slices.IndexFunc(owned, func(c model.Credential) bool { return bytes.Equal(c.ID, rawID) })
	if i < 0 {
		return nil, errs.ErrUnknownCredential
	}
	cred := owned[i]

	if _, err := s.wa.ValidateLogin(newUser(userID, owned), sessionData(stored, s.cfg.RequireUV), parsed); err != nil {
		return nil, verifyError(err)
	}

	// The library only flags a stale counter; here it is a hard failure.
	counter := parsed.Response.AuthenticatorData.Counter
	if err := s.creds.AdvanceCounter(ctx, userID, cred.ID, counter, s.now().UTC()); err != nil {
		if errors.Is(err, errs.ErrReplayDetected) {
			s.metrics.ReplayDetected.Inc()
			s.log.Error("webauthn replay detected",
				zap.String("security", "replay"),
				zap.String("user_id", userID),
				zap.String("credential_id", encode(cred.ID)),
				zap.Uint32("stored_count", cred.SignCount),
				zap.Uint32("presented_count", counter),
			)
			return nil, errs.ErrReplayDetected
		}
		return nil, fmt.Errorf("advance counter: %w", err)
	}

	return &VerificationResult{
		Verified:     true,
		CredentialID: encode(cred.ID),
		SignCount:    counter,
	}, nil
}

// HasCredentials reports how many credentials userID has registered.
func (s *Service) HasCredentials(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, errs.ErrUnauthenticated
	}
	creds, err := s.creds.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}
	return len(creds), nil
}

func (s *Service) observe(ceremony, userID string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrChallengeMismatch):
		outcome = "challenge_mismatch"
		s.log.Warn("webauthn challenge mismatch", zap.String("security", "challenge"), zap.String("ceremony", ceremony), zap.String("user_id", userID))
	case errors.Is(err, errs.ErrSignatureInvalid):
		outcome = "signature_invalid"
		s.log.Warn("webauthn signature invalid", zap.String("security", "signature"), zap.String("user_id", userID))
	case errors.Is(err, errs.ErrUnknownCredential):
		outcome = "unknown_credential"
		s.log.Warn("webauthn unknown credential", zap.String("security", "credential"), zap.String("user_id", userID))
	case errors.Is(err, errs.ErrReplayDetected):
		outcome = "replay"
	case errors.Is(err, errs.ErrMalformedResponse):
		outcome = "malformed"
		s.log.Info("webauthn response rejected", zap.String("ceremony", ceremony), zap.Error(err))
	case errors.Is(err, errs.ErrDuplicateCredential):
		outcome = "duplicate"
	case errors.Is(err, errs.ErrUnauthenticated), errors.Is(err, errs.ErrForbidden):
		outcome = "denied"
	default:
		outcome = "error"
		s.log.Error("webauthn ceremony failed", zap.String("ceremony", ceremony), zap.Error(err))
	}
	s.metrics.Ceremonies.WithLabelValues(ceremony, outcome).Inc()
}
