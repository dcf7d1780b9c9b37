package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore"
	kafkasink "github.com/MrEthical07/authcore/auditsink/kafka"
	"github.com/MrEthical07/authcore/httpapi"
	"github.com/MrEthical07/authcore/internal/config"
	"github.com/MrEthical07/authcore/internal/logging"
	"github.com/MrEthical07/authcore/internal/telemetry"
	otelexport "github.com/MrEthical07/authcore/metrics/export/otel"
	promexport "github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/store/memory"
	"github.com/MrEthical07/authcore/store/postgres"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	memory       bool
	migrate      bool
	demoEmail    string
	demoPassword string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API until SIGINT or SIGTERM.

With --memory, identities live in process memory and Redis is replaced by an
embedded miniredis; a single demo identity is seeded. Nothing survives a
restart, so use it only for local development.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "use in-memory stores and an embedded Redis")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply database migrations before serving")
	cmd.Flags().StringVar(&opts.demoEmail, "demo-email", "demo@example.com", "identity seeded in --memory mode")
	cmd.Flags().StringVar(&opts.demoPassword, "demo-password", "correct-horse-battery", "password of the seeded identity")
	return cmd
}

type backends struct {
	redis    redis.UniversalClient
	stores   storeSet
	attempts authcore.AuditSink
	closers  []func()
}

type storeSet interface {
	authcore.IdentityStore
	authcore.MembershipStore
	authcore.EnrollmentStore
	authcore.ResetTokenStore
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	cfg, err := config.Load(root.envFile)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}
	for _, w := range engineCfg.Lint() {
		logger.Warn("config lint", "code", w.Code, "severity", string(w.Severity), "message", w.Message)
	}

	providers, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "authd", cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var be *backends
	if opts.memory {
		be, err = memoryBackends(engineCfg, opts, logger)
	} else {
		be, err = productionBackends(ctx, cfg, opts.migrate, logger)
	}
	if err != nil {
		return err
	}
	defer be.close()

	var sinks []authcore.AuditSink
	if cfg.AuditStdout {
		sinks = append(sinks, authcore.NewJSONWriterSink(os.Stdout))
	}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		ks, err := kafkasink.New(kafkasink.Config{Brokers: brokers, Topic: cfg.KafkaAuditTopic}, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, ks)
	}
	if be.attempts != nil {
		sinks = append(sinks, be.attempts)
	}
	engineCfg.Audit.Enabled = len(sinks) > 0

	engine, err := authcore.New().
		WithConfig(engineCfg).
		WithRedis(be.redis).
		WithIdentityStore(be.stores).
		WithMembershipStore(be.stores).
		WithEnrollmentStore(be.stores).
		WithResetTokenStore(be.stores).
		WithResetNotifier(&linkNotifier{baseURL: cfg.ResetURL, logger: logger}).
		WithAuditSink(authcore.NewFanoutSink(sinks...)).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	exporter, err := otelexport.New(providers.MeterProvider.Meter("github.com/MrEthical07/authcore"), engine)
	if err != nil {
		return err
	}
	defer func() { _ = exporter.Close() }()

	handler := httpapi.New(engine, httpapi.Options{
		Logger:            logger,
		TracerProvider:    providers.TracerProvider,
		Metrics:           promexport.NewCollector(engine).Handler(),
		CookieDomain:      cfg.CookieDomain,
		CookieSecure:      cfg.CookieSecure,
		TrustForwardedFor: cfg.TrustForwardedFor,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "memory", opts.memory)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := engine.Shutdown(sctx); err != nil {
		logger.Warn("audit flush incomplete", "error", err, "dropped", engine.AuditDropped())
	}
	return nil
}

func productionBackends(ctx context.Context, cfg *config.Config, migrate bool, logger *slog.Logger) (*backends, error) {
	if migrate {
		if err := postgres.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return nil, err
		}
		logger.Info("migrations applied")
	}

	pool, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{})
	if err != nil {
		return nil, err
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &backends{
		redis:    rdb,
		stores:   postgres.New(pool),
		attempts: postgres.NewAttemptSink(pool, logger),
		closers:  []func(){pool.Close, func() { _ = rdb.Close() }},
	}, nil
}

func memoryBackends(engineCfg authcore.Config, opts *serveOptions, logger *slog.Logger) (*backends, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start miniredis: %w", err)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})

	store := memory.New()
	if opts.demoEmail != "" {
		hash, err := hashPassword(engineCfg, opts.demoPassword)
		if err != nil {
			_ = rdb.Close()
			mr.Close()
			return nil, err
		}
		store.PutIdentity(authcore.Identity{
			ID:            uuid.NewString(),
			Email:         opts.demoEmail,
			EmailVerified: true,
			PasswordHash:  hash,
			Provider:      authcore.ProviderPassword,
		})
		logger.Info("seeded demo identity", "email", opts.demoEmail)
	}

	return &backends{
		redis:   rdb,
		stores:  store,
		closers: []func(){mr.Close, func() { _ = rdb.Close() }},
	}, nil
}

func hashPassword(cfg authcore.Config, pw string) (string, error) {
	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinBytes:    cfg.Password.MinBytes,
		MaxBytes:    cfg.Password.MaxBytes,
	})
	if err != nil {
		return "", err
	}
	return hasher.Hash(pw)
}

// linkNotifier logs the reset link instead of mailing it. Replace it with a
// mailer before exposing authd to real users.
type linkNotifier struct {
	baseURL string
	logger  *slog.Logger
}

func (n *linkNotifier) SendPasswordReset(ctx context.Context, identity authcore.Identity, token string, expiresAt time.Time) error {
	link, err := resetLink(n.baseURL, token)
	if err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "password reset link issued",
		"identity_id", identity.ID,
		"link", link,
		"expires_at", expiresAt,
	)
	return nil
}

func resetLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
