package credit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accordsai/honorlane/pkg/domain"
)

// SettlementProvider executes one net-settlement batch with the channel's
// external provider. Success means the provider confirmed the full batch.
type SettlementProvider interface {
	Settle(ctx context.Context, channel domain.Channel, amountMicros uint64, batchID string) (providerRef string, err error)
}

// SettlementObserver receives the outcome of every batch, for audit.
type SettlementObserver func(channel domain.Channel, amountMicros uint64, providerRef string, err error)

// Settler runs per-channel settlement on a fixed interval. A tick is
// skipped when the previous batch for that channel is still in flight.
type Settler struct {
	controller *Controller
	provider   SettlementProvider
	interval   time.Duration
	logger     *slog.Logger
	observe    SettlementObserver

	mu      sync.Mutex
	running map[domain.Channel]bool
	wg      sync.WaitGroup
}

func NewSettler(controller *Controller, provider SettlementProvider, interval time.Duration, logger *slog.Logger, observe SettlementObserver) *Settler {
	if observe == nil {
		observe = func(domain.Channel, uint64, string, error) {}
	}
	return &Settler{
		controller: controller,
		provider:   provider,
		interval:   interval,
		logger:     logger,
		observe:    observe,
		running:    make(map[domain.Channel]bool),
	}
}

// Run blocks until ctx is canceled, ticking every channel on the shared
// interval.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			for _, ch := range s.controller.Channels() {
				s.kick(ctx, ch)
			}
		}
	}
}

// SettleOnce runs a single batch for one channel synchronously. Used by
// tests and by the admin API to force settlement out of band.
func (s *Settler) SettleOnce(ctx context.Context, channel domain.Channel) {
	if !s.tryAcquire(channel) {
		return
	}
	defer s.release(channel)
	s.settle(ctx, channel)
}

func (s *Settler) kick(ctx context.Context, channel domain.Channel) {
	if !s.tryAcquire(channel) {
		s.logger.Info("settlement batch still running, skipping tick", "channel", channel)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(channel)
		s.settle(ctx, channel)
	}()
}

func (s *Settler) settle(ctx context.Context, channel domain.Channel) {
	batch := s.controller.Exposure(channel)
	if batch == 0 {
		return
	}
	batchID := "stl_" + uuid.NewString()
	ref, err := s.provider.Settle(ctx, channel, batch, batchID)
	if err != nil {
		// Exposure stays as-is; the next tick retries the whole batch.
		s.logger.Error("settlement batch failed",
			"severity", "CRITICAL",
			"channel", channel,
			"batch_id", batchID,
			"amount_micros", batch,
			"err", err)
		s.observe(channel, batch, "", err)
		return
	}
	s.controller.RecordSettlement(channel, batch, ref)
	s.logger.Info("settlement batch confirmed",
		"channel", channel,
		"batch_id", batchID,
		"amount_micros", batch,
		"provider_ref", ref)
	s.observe(channel, batch, ref, nil)
}

func (s *Settler) tryAcquire(channel domain.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[channel] {
		return false
	}
	s.running[channel] = true
	return true
}

func (s *Settler) release(channel domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, channel)
}
