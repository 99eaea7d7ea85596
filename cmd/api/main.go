package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"uniattend/internal/attendance"
	"uniattend/internal/auth"
	"uniattend/internal/ceremony"
	"uniattend/internal/challenge"
	"uniattend/internal/config"
	"uniattend/internal/handler"
	"uniattend/internal/httpmiddleware"
	"uniattend/internal/logging"
	"uniattend/internal/metrics"
	"uniattend/internal/migrate"
	"uniattend/internal/queue"
	"uniattend/internal/repository"
	"uniattend/internal/repository/memory"
	"uniattend/internal/repository/postgres"
	"uniattend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("api failed", zap.Error(err))
	}
}

type repos struct {
	creds    repository.CredentialRepository
	sessions repository.SessionRepository
	records  repository.RecordRepository
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	var db *store.DB
	rp := repos{creds: memory.NewCredentials(), sessions: memory.NewSessions(), records: memory.NewRecords()}
	if cfg.StoreBackend == "postgres" {
		if cfg.MigrateOnStart {
			if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		rp = repos{
			creds:    postgres.NewCredentialRepo(db.Pool),
			sessions: postgres.NewSessionRepo(db.Pool),
			records:  postgres.NewRecordRepo(db.Pool),
		}
	} else {
		log.Warn("using in-memory repositories; data is lost on restart")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	var challenges challenge.Store = challenge.NewMemoryStore(time.Now)
	if cfg.ChallengeStore == "redis" {
		challenges = challenge.NewRedisStore(redisClient.Client, time.Now)
	}

	var q queue.Queue = queue.NewRedisQueue(redisClient.Client, "")
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(64)
		events, err := mem.Consume(ctx)
		if err != nil {
			return err
		}
		// No worker shares this process's memory; drain locally.
		go queue.Relay(ctx, events, queue.NewLogBroadcaster(log.Named("events")), log)
		q = mem
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitStore == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	opts := attendance.Options{
		CodeAttempts: cfg.Sessions.CodeAttempts,
		QRSize:       cfg.Sessions.QRSize,
		Logger:       log.Named("attendance"),
		Metrics:      m,
	}
	manager := attendance.NewSessionManager(rp.sessions, rp.records, opts)
	recorder := attendance.NewRecorder(rp.sessions, rp.records, q, opts)
	cer, err := ceremony.NewService(rp.creds, challenges, recorder, ceremony.Config{
		RPID:      cfg.WebAuthn.RPID,
		RPName:    cfg.WebAuthn.RPName,
		Origins:   cfg.WebAuthn.Origins,
		Timeout:   cfg.WebAuthn.Timeout,
		RequireUV: cfg.WebAuthn.RequireUV,
	}, ceremony.Options{Logger: log.Named("webauthn"), Metrics: m})
	if err != nil {
		return err
	}

	r := gin.New()
	logging.Use(r, log, "/healthz", "/metrics")
	r.Use(m.GinMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.WebAuthn.Origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := cfg.StoreBackend != "postgres" || db.Healthy(c.Request.Context())
		needsRedis := cfg.ChallengeStore == "redis" || cfg.QueueBackend == "redis" || cfg.RateLimitStore == "redis"
		redisHealthy := !needsRedis || redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"db": dbHealthy, "redis": redisHealthy})
	})

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer), httpmiddleware.RateLimit(limiter, log))
	handler.New(cer, manager, recorder, log.Named("http")).Register(v1)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
