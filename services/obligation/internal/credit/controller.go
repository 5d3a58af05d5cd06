// Package credit gates how much unfulfilled exposure each honoring channel
// may carry. Admission and settlement mutate exposure under one lock, so
// concurrent submissions can never over-admit past capacity.
package credit

import (
	"log/slog"
	"sync"

	"github.com/accordsai/honorlane/pkg/domain"
)

const (
	defaultMarginFactor = 0.8
	warnUtilization     = 0.90
	suspendUtilization  = 0.95
)

// Line is the published state of one channel's credit ledger.
type Line struct {
	Channel             domain.Channel `json:"channel"`
	CapacityMicros      uint64         `json:"capacity_micros"`
	ExposureMicros      uint64         `json:"exposure_micros"`
	SettledToDateMicros uint64         `json:"settled_to_date_micros"`
	Suspended           bool           `json:"suspended"`
}

type line struct {
	capacity  uint64
	exposure  uint64
	settled   uint64
	suspended bool
}

// Decision is the admission outcome. Reason is set only when Admit is
// false.
type Decision struct {
	Admit  bool
	Reason string
}

type Controller struct {
	mu            sync.Mutex
	lines         map[domain.Channel]*line
	marginFactor  float64
	headroomFloor uint64
	logger        *slog.Logger
}

type Option func(*Controller)

// WithMarginFactor overrides the default 0.8 admission margin.
func WithMarginFactor(f float64) Option {
	return func(c *Controller) {
		if f > 0 && f <= 1 {
			c.marginFactor = f
		}
	}
}

// WithHeadroomFloor requires at least this much absolute capacity left
// after every admission.
func WithHeadroomFloor(micros uint64) Option {
	return func(c *Controller) { c.headroomFloor = micros }
}

func NewController(capacities map[domain.Channel]uint64, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		lines:        make(map[domain.Channel]*line, len(capacities)),
		marginFactor: defaultMarginFactor,
		logger:       logger,
	}
	for ch, capacity := range capacities {
		c.lines[ch] = &line{capacity: capacity}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit checks and records an admission as one atomic operation. The check
// and the exposure increment share the critical section: two racing
// callers observe each other's increments.
func (c *Controller) Admit(channel domain.Channel, amountMicros uint64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[channel]
	if !ok {
		return Decision{Reason: domain.ReasonUnknownChannel}
	}
	if l.suspended {
		return Decision{Reason: domain.ReasonChannelSuspended}
	}
	next := l.exposure + amountMicros
	if next < l.exposure { // overflow
		return Decision{Reason: domain.ReasonInsufficientCredit}
	}
	if float64(next) > float64(l.capacity)*c.marginFactor {
		return Decision{Reason: domain.ReasonInsufficientCredit}
	}
	if l.capacity < next || l.capacity-next < c.headroomFloor {
		return Decision{Reason: domain.ReasonInsufficientCredit}
	}

	l.exposure = next
	util := float64(l.exposure) / float64(l.capacity)
	if util >= suspendUtilization {
		l.suspended = true
		c.logger.Warn("channel auto-suspended",
			"channel", channel, "utilization", util)
	} else if util >= warnUtilization {
		c.logger.Warn("channel utilization high",
			"channel", channel, "utilization", util)
	}
	return Decision{Admit: true}
}

// CanAdmit is the read-only variant of Admit, for pre-flight checks. It
// never mutates exposure.
func (c *Controller) CanAdmit(channel domain.Channel, amountMicros uint64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[channel]
	if !ok {
		return Decision{Reason: domain.ReasonUnknownChannel}
	}
	if l.suspended {
		return Decision{Reason: domain.ReasonChannelSuspended}
	}
	next := l.exposure + amountMicros
	if next < l.exposure ||
		float64(next) > float64(l.capacity)*c.marginFactor ||
		l.capacity < next || l.capacity-next < c.headroomFloor {
		return Decision{Reason: domain.ReasonInsufficientCredit}
	}
	return Decision{Admit: true}
}

// Release rolls back an admission whose clearing was rejected before any
// obligation existed.
func (c *Controller) Release(channel domain.Channel, amountMicros uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[channel]
	if !ok {
		return
	}
	if amountMicros > l.exposure {
		amountMicros = l.exposure
	}
	l.exposure -= amountMicros
}

// RecordSettlement moves settled amount out of exposure. Auto-suspension
// lifts once utilization drops back under the suspend threshold; an
// operator suspension would need Resume regardless, but suspensions here
// are only ever automatic.
func (c *Controller) RecordSettlement(channel domain.Channel, amountMicros uint64, providerRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[channel]
	if !ok {
		return
	}
	if amountMicros > l.exposure {
		amountMicros = l.exposure
	}
	l.exposure -= amountMicros
	l.settled += amountMicros
	if l.suspended && float64(l.exposure) < suspendUtilization*float64(l.capacity) {
		l.suspended = false
		c.logger.Info("channel resumed after settlement",
			"channel", channel, "provider_ref", providerRef)
	}
}

// Resume lifts a suspension by operator action.
func (c *Controller) Resume(channel domain.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[channel]
	if !ok {
		return false
	}
	l.suspended = false
	return true
}

// Exposure reports the channel's current exposure, for settlement batching.
func (c *Controller) Exposure(channel domain.Channel) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lines[channel]; ok {
		return l.exposure
	}
	return 0
}

// Snapshot lists all channel lines at one instant.
func (c *Controller) Snapshot() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Line, 0, len(c.lines))
	for ch, l := range c.lines {
		out = append(out, Line{
			Channel:             ch,
			CapacityMicros:      l.capacity,
			ExposureMicros:      l.exposure,
			SettledToDateMicros: l.settled,
			Suspended:           l.suspended,
		})
	}
	return out
}

// Channels lists configured channels in no particular order.
func (c *Controller) Channels() []domain.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Channel, 0, len(c.lines))
	for ch := range c.lines {
		out = append(out, ch)
	}
	return out
}
