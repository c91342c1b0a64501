package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/api"
	audithook "github.com/xraph/fiscal/audit_hook"
	"github.com/xraph/fiscal/engine"
	"github.com/xraph/fiscal/observability"
)

func serveCmd() *cobra.Command {
	var (
		addr     string
		logLevel string
		jsonLogs bool
		audit    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lane consumers and the admin API",
		Long: `Run the engine: declare every lane on the configured broker, start a
consumer pool per lane and the maintenance scheduler, and serve the admin
API. SIGINT or SIGTERM drains in-flight items and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Admin.Addr = addr
			}
			logger := newLogger(logLevel, jsonLogs)
			return serve(cmd.Context(), cfg, logger, audit)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin API listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")
	cmd.Flags().BoolVar(&audit, "audit", false, "write an audit record for every item lifecycle event")
	return cmd
}

func serve(parent context.Context, cfg fiscal.Config, logger *slog.Logger, audit bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBroker, err := openBroker(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			logger.Error("broker close error", slog.String("error", err.Error()))
		}
		_ = closeBroker()
	}()

	s, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = closeStore() }()

	meters := sdkmetric.NewMeterProvider()
	defer func() { _ = meters.Shutdown(context.Background()) }()

	counters := observability.NewCountersExtension()
	opts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithBroker(b),
		engine.WithStore(s),
		engine.WithTransmitter(&sandboxAuthority{}),
		engine.WithLogger(logger),
		engine.WithMeterProvider(meters),
		engine.WithExtension(counters),
	}
	if audit {
		opts = append(opts, engine.WithExtension(audithook.New(logRecorder(logger), audithook.WithLogger(logger))))
	}

	eng, err := engine.New(ctx, opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if !cfg.Admin.Disabled {
		gin.SetMode(gin.ReleaseMode)
		srv = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           api.New(eng, api.WithLogger(logger), api.WithToken(cfg.Admin.Token)).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API failed", slog.String("error", err.Error()))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin API shutdown error", slog.String("error", err.Error()))
		}
	}
	err = eng.Stop(shutdownCtx)
	logger.Info("lifecycle totals", counters.Summary()...)
	return err
}

// logRecorder writes audit events to the "audit" log group.
func logRecorder(logger *slog.Logger) audithook.Recorder {
	l := logger.WithGroup("audit")
	return audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case audithook.SeverityWarning:
			level = slog.LevelWarn
		case audithook.SeverityCritical:
			level = slog.LevelError
		}
		l.Log(ctx, level, evt.Action,
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("tenant_id", evt.TenantID),
			slog.String("outcome", evt.Outcome),
			slog.String("reason", evt.Reason),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}

func loadConfig(cmd *cobra.Command) (fiscal.Config, error) {
	path, _ := cmd.Flags().GetString("config") //nolint:errcheck // persistent flag is always registered
	return fiscal.LoadConfig(path)
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
