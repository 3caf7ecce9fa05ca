package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/logging"
	"github.com/MrEthical07/authcore/mailer"
	"github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/store/sqlstore"
	"github.com/redis/go-redis/v9"
)

const serviceName = "authcore"

// NewLogger builds the process logger. ERROR records also go to Sentry when
// a DSN is configured.
func NewLogger(cfg *Config, version string) (*slog.Logger, error) {
	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}
	handler := logging.NewHandler(out, cfg.Logging, serviceName, version)
	if cfg.Sentry.DSN == "" {
		return slog.New(handler), nil
	}
	if err := logging.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, version); err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return slog.New(logging.NewSentryHandler(handler, slog.LevelError)), nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	accounts, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer accounts.Close()

	if cfg.Database.Migrate {
		if err := accounts.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied", "driver", cfg.Database.Driver)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	var sender authcore.EmailSender
	switch cfg.Mail.Mode {
	case "smtp":
		smtpSender, err := mailer.NewSMTPSender(cfg.Mail.SMTP)
		if err != nil {
			return err
		}
		sender = smtpSender
	default:
		logger.Warn("mail mode is log; one-time codes are written to the log")
		sender = mailer.NewLogSender(logger)
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	engine, err := authcore.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithAccountStore(accounts).
		WithEmailSender(sender).
		WithLogger(logger).
		WithAuditSink(authcore.NewSlogSink(logger.With("component", "audit"))).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	router := NewRouter(Deps{
		Engine:  engine,
		Logger:  logger,
		Metrics: prometheus.NewExporter(engine).Handler(),
		Health: []HealthCheck{
			{Name: "database", Check: accounts.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
