package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accordsai/honorlane/pkg/attestation"
	"github.com/accordsai/honorlane/pkg/backoff"
	"github.com/accordsai/honorlane/pkg/db"
	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
	"github.com/accordsai/honorlane/services/obligation/internal/config"
	"github.com/accordsai/honorlane/services/obligation/internal/credit"
	"github.com/accordsai/honorlane/services/obligation/internal/dispatch"
	"github.com/accordsai/honorlane/services/obligation/internal/httpapi"
	"github.com/accordsai/honorlane/services/obligation/internal/ledger"
	"github.com/accordsai/honorlane/services/obligation/internal/orchestrator"
	"github.com/accordsai/honorlane/services/obligation/internal/store"
)

const shutdownTimeout = 10 * time.Second

// dataStore is everything the service needs from persistence; both the
// Postgres and the in-memory store satisfy it.
type dataStore interface {
	PutObligation(ctx context.Context, ob domain.ClearedObligation) (created bool, err error)
	GetObligation(ctx context.Context, id wideid.ID) (domain.ClearedObligation, error)
	SetHonorState(ctx context.Context, id wideid.ID, state domain.HonorState, externalRef, proof string) error
	AppendAttempt(ctx context.Context, a domain.HonoringAttempt) error
	ListAttempts(ctx context.Context, id wideid.ID) ([]domain.HonoringAttempt, error)
	PutSettlementReceipt(ctx context.Context, provider, providerEventID string) (created bool, err error)
	audit.Sink
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var st dataStore
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(startupCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(startupCtx); err != nil {
			logger.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Warn("HONORLANE_DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	mirror := audit.NewMirror(st, logger,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithRingSize(cfg.AuditRingSize))
	defer mirror.Close()

	verifier := attestation.NewVerifier(cfg.Signers,
		attestation.NewNonceWindow(cfg.NonceTTL, cfg.NonceWindow))

	controller := credit.NewController(cfg.Capacities, logger,
		credit.WithMarginFactor(cfg.MarginFactor),
		credit.WithHeadroomFloor(cfg.HeadroomFloorMicros))

	var client ledger.Client
	if cfg.LedgerURL != "" {
		client = ledger.NewHTTPClient(cfg.LedgerURL)
	} else {
		logger.Warn("HONORLANE_LEDGER_URL not set, using in-memory ledger")
		client = ledger.NewMemory()
	}
	port := ledger.NewPort(client, cfg.LedgerTimeout, cfg.LedgerMaxAttempts,
		backoff.New(cfg.BackoffBase, cfg.BackoffCap), logger)

	adapters := make(map[domain.Channel]dispatch.Adapter, len(cfg.Bridges))
	for ch, url := range cfg.Bridges {
		adapters[ch] = dispatch.NewHTTPAdapter(url)
	}
	dispatcher := dispatch.NewDispatcher(adapters, cfg.DispatchMaxAttempts,
		backoff.New(cfg.BackoffBase, cfg.BackoffCap), st, mirror, logger)

	orch := orchestrator.New(verifier, controller, port, dispatcher, st, mirror, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Net settlement runs only for channels with a configured bridge.
	if len(cfg.Bridges) > 0 {
		settler := credit.NewSettler(controller, credit.NewHTTPProvider(cfg.Bridges),
			cfg.SettleInterval, logger, settlementObserver(mirror))
		go settler.Run(runCtx)
	}

	endpoints := make([]httpapi.WebhookEndpoint, 0, len(cfg.Webhooks))
	for _, e := range cfg.Webhooks {
		endpoints = append(endpoints, httpapi.WebhookEndpoint{
			Provider: e.Provider,
			Token:    e.Token,
			Secret:   e.Secret,
			Channel:  e.Channel,
		})
	}
	if cfg.AdminToken == "" {
		logger.Warn("HONORLANE_ADMIN_TOKEN not set, operator routes are open")
	}
	handler := httpapi.NewHandler(orch, st, mirror, mirror, st, controller, endpoints, logger).
		WithAdminToken(cfg.AdminToken)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler.Router(),
	}

	logger.Info("obligation service listening", "addr", cfg.ListenAddr)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	case <-runCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", "err", err)
	}
	logger.Info("server stopped")
}

// settlementObserver mirrors every settlement batch outcome into the audit
// trail.
func settlementObserver(rec *audit.Mirror) credit.SettlementObserver {
	return func(channel domain.Channel, amountMicros uint64, providerRef string, err error) {
		kind := audit.KindSettlementRecorded
		payload := map[string]any{
			"channel":       string(channel),
			"amount_micros": amountMicros,
			"provider_ref":  providerRef,
		}
		if err != nil {
			kind = audit.KindSettlementFailed
			payload["err"] = err.Error()
		}
		rec.Record(audit.Record{
			Kind:      kind,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		})
	}
}
