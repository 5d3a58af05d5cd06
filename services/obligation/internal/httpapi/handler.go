// Package httpapi exposes the obligation lifecycle over HTTP: intent
// submission, obligation and attempt lookup, the audit query surface,
// channel administration, and the provider settlement ingress.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/accordsai/honorlane/pkg/attestation"
	"github.com/accordsai/honorlane/pkg/authn"
	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/httpx"
	"github.com/accordsai/honorlane/pkg/webhooks"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
	"github.com/accordsai/honorlane/services/obligation/internal/credit"
	"github.com/accordsai/honorlane/services/obligation/internal/ledger"
	"github.com/accordsai/honorlane/services/obligation/internal/orchestrator"
)

const maxWebhookBodyBytes = 1 << 20 // 1MB

// Submitter is implemented by orchestrator.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, intent domain.Intent, env attestation.Envelope) (orchestrator.Submission, error)
	Get(ctx context.Context, id wideid.ID) (domain.ClearedObligation, error)
}

// AttemptLister exposes the honoring attempt history.
type AttemptLister interface {
	ListAttempts(ctx context.Context, id wideid.ID) ([]domain.HonoringAttempt, error)
}

// AuditQuerier is implemented by audit.Mirror.
type AuditQuerier interface {
	Get(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

type Recorder interface {
	Record(rec audit.Record)
}

// ReceiptStore dedupes provider settlement deliveries by event id.
type ReceiptStore interface {
	PutSettlementReceipt(ctx context.Context, provider, providerEventID string) (created bool, err error)
}

// WebhookEndpoint is one configured provider settlement ingress.
type WebhookEndpoint struct {
	Provider string
	Token    string
	Secret   string
	Channel  domain.Channel
}

type Handler struct {
	submitter  Submitter
	attempts   AttemptLister
	auditor    AuditQuerier
	recorder   Recorder
	receipts   ReceiptStore
	credits    *credit.Controller
	endpoints  map[string]WebhookEndpoint
	verifier   func(provider string) webhooks.Verifier
	adminToken string
	logger     *slog.Logger
}

func NewHandler(submitter Submitter, attempts AttemptLister, auditor AuditQuerier, recorder Recorder, receipts ReceiptStore, credits *credit.Controller, endpoints []WebhookEndpoint, logger *slog.Logger) *Handler {
	byKey := make(map[string]WebhookEndpoint, len(endpoints))
	for _, e := range endpoints {
		byKey[endpointKey(e.Provider, e.Token)] = e
	}
	return &Handler{
		submitter: submitter,
		attempts:  attempts,
		auditor:   auditor,
		recorder:  recorder,
		receipts:  receipts,
		credits:   credits,
		endpoints: byKey,
		verifier:  webhooks.NewHMACVerifier,
		logger:    logger,
	}
}

// WithAdminToken guards the operator routes with a static bearer token.
// An empty token leaves them open, for local development.
func (h *Handler) WithAdminToken(token string) *Handler {
	h.adminToken = token
	return h
}

func endpointKey(provider, token string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "\x00" + strings.TrimSpace(token)
}

// Router builds the service routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/v1", func(api chi.Router) {
		api.Post("/obligations", h.handleSubmit)
		api.Get("/obligations/{obligation_id}", h.handleGetObligation)
		api.Get("/obligations/{obligation_id}/attempts", h.handleListAttempts)
		api.Post("/webhooks/{provider}/{endpoint_token}", h.handleSettlementWebhook)

		api.Group(func(admin chi.Router) {
			admin.Use(authn.RequireBearer(h.adminToken))
			admin.Get("/audit", h.handleQueryAudit)
			admin.Get("/admin/channels", h.handleListChannels)
			admin.Post("/admin/channels/{channel}/resume", h.handleResumeChannel)
		})
	})
	return r
}

type submitRequest struct {
	Intent      domain.Intent        `json:"intent"`
	Attestation attestation.Envelope `json:"attestation"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}

	sub, err := h.submitter.Submit(r.Context(), req.Intent, req.Attestation)
	if err != nil {
		// Transport exhaustion against the ledger: nothing was decided, the
		// caller should retry the identical intent. Any other error is a
		// local persistence failure after the ledger already committed.
		if errors.Is(err, ledger.ErrUnavailable) {
			httpx.WriteError(w, 503, domain.ReasonLedgerUnavailable, err.Error(), nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}

	status := 201
	switch sub.Status {
	case orchestrator.StatusRejected:
		status = 422
	case orchestrator.StatusClearedPendingHonor:
		status = 202
	}
	httpx.WriteJSON(w, status, map[string]any{
		"request_id": httpx.NewRequestID(),
		"submission": sub,
	})
}

func (h *Handler) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	id, err := wideid.Parse(chi.URLParam(r, "obligation_id"))
	if err != nil {
		httpx.WriteError(w, 400, "BAD_ID", err.Error(), nil)
		return
	}
	ob, err := h.submitter.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "obligation not found", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"obligation": ob,
	})
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := wideid.Parse(chi.URLParam(r, "obligation_id"))
	if err != nil {
		httpx.WriteError(w, 400, "BAD_ID", err.Error(), nil)
		return
	}
	attempts, err := h.attempts.ListAttempts(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"attempts":   attempts,
	})
}

func (h *Handler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	var f audit.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("obligation_id")); raw != "" {
		id, err := wideid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_ID", err.Error(), nil)
			return
		}
		f.ObligationID = id
	}
	for _, k := range r.URL.Query()["kind"] {
		if k = strings.TrimSpace(k); k != "" {
			f.Kinds = append(f.Kinds, audit.Kind(k))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.WriteError(w, 400, "BAD_LIMIT", "limit must be a positive integer", nil)
			return
		}
		f.Limit = n
	}

	recs, err := h.auditor.Get(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, 500, "AUDIT_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"records":    recs,
	})
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"channels":   h.credits.Snapshot(),
	})
}

func (h *Handler) handleResumeChannel(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(strings.TrimSpace(chi.URLParam(r, "channel")))
	if !h.credits.Resume(channel) {
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown channel", nil)
		return
	}
	h.logger.Info("channel resumed by operator", "channel", channel)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"resumed":    string(channel),
	})
}

type settlementEvent struct {
	AmountMicros uint64 `json:"amount_micros"`
	ProviderRef  string `json:"provider_ref"`
}

// handleSettlementWebhook ingests a provider settlement confirmation. A
// verified confirmation reduces channel exposure; an invalid one is audited
// and dropped. Neither path touches the ledger.
func (h *Handler) handleSettlementWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	token := strings.TrimSpace(chi.URLParam(r, "endpoint_token"))
	endpoint, ok := h.endpoints[endpointKey(provider, token)]
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "webhook endpoint not found", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 1MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}

	receivedAt := time.Now().UTC()
	result, err := h.verifier(provider).Verify(r.Header, rawBody, receivedAt, endpoint.Secret)
	if err != nil {
		httpx.WriteError(w, 500, "VERIFIER_ERROR", err.Error(), nil)
		return
	}
	if !result.Valid {
		h.recorder.Record(audit.Record{
			Kind:      audit.KindSettlementFailed,
			Timestamp: receivedAt,
			Payload: map[string]any{
				"provider": provider,
				"channel":  string(endpoint.Channel),
				"scheme":   result.Scheme,
				"event_id": result.ProviderEventID,
			},
		})
		httpx.WriteError(w, 401, "BAD_SIGNATURE", "settlement signature did not verify", nil)
		return
	}

	var event settlementEvent
	if err := readRawJSON(rawBody, &event); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if event.AmountMicros == 0 {
		httpx.WriteError(w, 400, "BAD_AMOUNT", "amount_micros must be positive", nil)
		return
	}
	if result.ProviderEventID == "" {
		httpx.WriteError(w, 400, "MISSING_EVENT_ID", "X-Settlement-Event-Id header is required", nil)
		return
	}

	// Providers redeliver; a seen event id must not reduce exposure twice.
	created, err := h.receipts.PutSettlementReceipt(r.Context(), provider, result.ProviderEventID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if !created {
		h.logger.Info("duplicate settlement delivery ignored",
			"provider", provider, "event_id", result.ProviderEventID)
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"accepted":   true,
			"duplicate":  true,
		})
		return
	}

	h.credits.RecordSettlement(endpoint.Channel, event.AmountMicros, event.ProviderRef)
	h.recorder.Record(audit.Record{
		Kind:      audit.KindSettlementRecorded,
		Timestamp: receivedAt,
		Payload: map[string]any{
			"provider":      provider,
			"channel":       string(endpoint.Channel),
			"amount_micros": event.AmountMicros,
			"provider_ref":  event.ProviderRef,
			"event_id":      result.ProviderEventID,
		},
	})
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"accepted":   true,
	})
}

// readRawJSON decodes an already-read body; the raw bytes were needed
// first for signature verification.
func readRawJSON(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
