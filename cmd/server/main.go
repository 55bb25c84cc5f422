// The server command runs the dispatch coordinator: the HTTP API, the
// auto-populate loop, the stuck-job monitor and the retention sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/application/bot"
	"github.com/gridworks/dispatch/internal/application/job"
	"github.com/gridworks/dispatch/internal/application/recovery"
	"github.com/gridworks/dispatch/internal/archive"
	"github.com/gridworks/dispatch/internal/config"
	httpserver "github.com/gridworks/dispatch/internal/infrastructure/http"
	"github.com/gridworks/dispatch/internal/infrastructure/http/handler"
	"github.com/gridworks/dispatch/internal/infrastructure/persistence/postgres"
	"github.com/gridworks/dispatch/pkg/observability"
)

const serviceName = "dispatch-coordinator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsName := cfg.Observability.ServiceName
	if obsName == "" {
		obsName = serviceName
	}
	providers, err := observability.Init(ctx, observability.Config{
		ServiceName: obsName,
		Enabled:     cfg.Observability.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown telemetry providers", "error", err)
		}
	}()
	slog.SetDefault(providers.Log)

	slog.InfoContext(ctx, "starting coordinator", "service", obsName)

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		RunMigrations:   cfg.Database.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()
	slog.InfoContext(ctx, "storage initialized", "url", maskPassword(cfg.Database.URL))

	signingKey, err := auth.LoadOrGenerateKey(ctx, cfg.Auth.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	tokenTTL := time.Duration(cfg.Auth.TokenTTLSeconds) * time.Second
	authSvc := auth.NewService(store, signingKey, auth.Config{
		TokenTTL:         tokenTTL,
		MinClientVersion: cfg.Auth.MinClientVersion,
	})

	var archiver job.Archiver
	if cfg.Archive.Dir != "" {
		writer, err := archive.NewWriter(cfg.Archive.Dir)
		if err != nil {
			return fmt.Errorf("failed to create result archive: %w", err)
		}
		archiver = writer
		slog.InfoContext(ctx, "result archive enabled", "dir", cfg.Archive.Dir)
	}

	jobSvc := job.NewService(store, archiver)
	botSvc := bot.NewService(store, bot.Config{TokenTTL: tokenTTL})

	monitor := recovery.NewMonitor(store, recoveryOptions(cfg.Recovery)...)
	cleaner := recovery.NewCleaner(store, cleanupOptions(cfg.Cleanup)...)
	populator := recovery.NewPopulator(jobSvc,
		time.Duration(cfg.Populate.IntervalMS)*time.Millisecond,
		cfg.Populate.BatchSize)

	h := handler.New(authSvc, jobSvc, botSvc, monitor, cleaner, store)
	router, err := handler.NewRouter(h, cfg.Auth.AdminToken)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := httpserver.NewAPIServer(router, httpserver.ServerConfig{
		Host:              cfg.HTTP.Host,
		Port:              cfg.HTTP.Port,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		TraceRequests:     cfg.Observability.OTelEnabled,
		ServiceName:       obsName,
	})

	go monitor.Start(ctx)
	go cleaner.Start(ctx)
	go populator.Start(ctx)

	errResult := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "HTTP server shutdown timed out", "error", err)
		} else {
			slog.InfoContext(shutdownCtx, "HTTP server shutdown complete")
		}
		return nil
	case err := <-errResult:
		return err
	}
}

func recoveryOptions(cfg config.RecoveryConfig) []recovery.MonitorOption {
	var opts []recovery.MonitorOption
	if cfg.CheckIntervalSeconds > 0 {
		opts = append(opts, recovery.WithCheckInterval(time.Duration(cfg.CheckIntervalSeconds)*time.Second))
	}
	if cfg.ClaimedTimeoutSeconds > 0 {
		opts = append(opts, recovery.WithClaimedTimeout(time.Duration(cfg.ClaimedTimeoutSeconds)*time.Second))
	}
	if cfg.ProcessingTimeoutSeconds > 0 {
		opts = append(opts, recovery.WithProcessingTimeout(time.Duration(cfg.ProcessingTimeoutSeconds)*time.Second))
	}
	return opts
}

func cleanupOptions(cfg config.CleanupConfig) []recovery.CleanerOption {
	var opts []recovery.CleanerOption
	if cfg.IntervalHours > 0 {
		opts = append(opts, recovery.WithCleanupInterval(time.Duration(cfg.IntervalHours)*time.Hour))
	}
	if cfg.RetentionDays > 0 {
		opts = append(opts, recovery.WithRetention(time.Duration(cfg.RetentionDays)*24*time.Hour))
	}
	if cfg.DryRun {
		opts = append(opts, recovery.WithDryRun(true))
	}
	return opts
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
