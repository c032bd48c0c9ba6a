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

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/materialledger/internal/api"
	"github.com/jmerrifield20/materialledger/internal/auditor"
	"github.com/jmerrifield20/materialledger/internal/certverify"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/email"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/internal/metrics"
	"github.com/jmerrifield20/materialledger/internal/storage"
	"github.com/jmerrifield20/materialledger/internal/webhooks"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG"))
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Development)
	defer logger.Sync() //nolint:errcheck

	if errors.Is(err, config.ErrNoConfigFile) {
		logger.Warn("no config file found, using defaults and env vars")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func newLogger(development bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Storage.ConnectTimeout)
	backend, err := storage.Open(connectCtx, cfg.Storage, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backend.Close(closeCtx); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	logger.Info("ledger storage ready", zap.String("driver", cfg.Storage.Driver))

	// ── Ledger ───────────────────────────────────────────────────────────────
	ledger := eventledger.New(backend.Store, logger,
		eventledger.WithRecorder(metrics.Recorder{}),
		eventledger.WithMaxAppendAttempts(cfg.Ledger.MaxAppendAttempts),
	)

	// ── Alerts ───────────────────────────────────────────────────────────────
	dispatcher := webhooks.NewDispatcher(cfg.Webhooks, logger)
	dispatcher.SetMetricsRecorder(metrics.RecordWebhookDelivery)
	mailer := email.New(cfg.Email, logger)

	// ── Certification verification ──────────────────────────────────────────
	var certSvc *certverify.Service
	if len(cfg.CertVerify.Providers) > 0 {
		certSvc = certverify.NewService(ctx, ledger, cfg.CertVerify, mailer, logger)
		certSvc.SetWebhookDispatch(dispatcher.Dispatch)
		logger.Info("certificate verification enabled", zap.Strings("providers", certSvc.Providers()))
	}

	// ── Integrity auditor ────────────────────────────────────────────────────
	var audit *auditor.Auditor
	if cfg.Auditor.Enabled {
		audit = auditor.New(ledger, auditor.Config{
			Interval:    cfg.Auditor.Interval,
			Concurrency: cfg.Auditor.Concurrency,
			Timeout:     cfg.Auditor.Timeout,
		}, logger)
		audit.SetWebhookDispatch(dispatcher.Dispatch)
		audit.SetRunRecord(metrics.RecordAuditRun)
		audit.SetViolationRecord(metrics.RecordAuditViolation)
		go audit.Start(ctx)
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Server, api.Deps{
		Ledger:     ledger,
		CertVerify: certSvc,
		Auditor:    audit,
		Webhooks:   dispatcher,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("webhook deliveries still in flight at shutdown", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}
