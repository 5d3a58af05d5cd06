// Package ledger is the narrow consumption seam for the external
// authoritative ledger. The ledger commits transfers exactly once per
// idempotency key; this package only submits and interprets, and retries
// nothing but transport failures.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/accordsai/honorlane/pkg/backoff"
	"github.com/accordsai/honorlane/pkg/wideid"
)

type TransferStatus string

const (
	StatusCommitted     TransferStatus = "COMMITTED"
	StatusAlreadyExists TransferStatus = "ALREADY_EXISTS"
	StatusRejected      TransferStatus = "REJECTED"
)

var ErrUnavailable = errors.New("ledger unavailable")

type Transfer struct {
	DebitAccount   wideid.ID
	CreditAccount  wideid.ID
	AmountMicros   uint64
	IdempotencyKey wideid.ID
}

// Result interprets the ledger response. Rejected is a decision, not a
// failure: it is never retried and never paired with a fresh key.
type Result struct {
	Status TransferStatus
	Reason string
}

// Client submits a transfer. Implementations return an error only for
// transport-level failures; an explicit ledger rejection is a Result.
type Client interface {
	CreateTransfer(ctx context.Context, t Transfer) (Result, error)
}

type Port struct {
	client      Client
	timeout     time.Duration
	maxAttempts int
	schedule    backoff.Schedule
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPort(client Client, timeout time.Duration, maxAttempts int, schedule backoff.Schedule, logger *slog.Logger) *Port {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Port{
		client:      client,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		schedule:    schedule,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Clear submits the transfer for an intent. The idempotency key is fixed by
// the caller before the first attempt, so every retry targets the same
// ledger transfer and ALREADY_EXISTS reads as success.
func (p *Port) Clear(ctx context.Context, t Transfer) (Result, error) {
	if t.AmountMicros == 0 {
		return Result{}, fmt.Errorf("ledger: zero amount transfer")
	}
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		res, err := p.client.CreateTransfer(callCtx, t)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		p.logger.Warn("ledger transfer transport error",
			"idempotency_key", t.IdempotencyKey.Hex(),
			"attempt", attempt,
			"err", err)
		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.schedule.Jittered(attempt)); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
		}
	}
	return Result{}, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, p.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
