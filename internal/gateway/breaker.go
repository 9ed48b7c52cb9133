package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trading-guard/pkg/exchanges/common"
)

// Alerter receives operator notifications.
type Alerter interface {
	Important(event string, fields map[string]any)
}

// BreakerState is a point-in-time view of the conditional-order breaker.
type BreakerState struct {
	Open     bool      `json:"open"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	Until    time.Time `json:"until,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// ConditionalBreaker stops SL/TP placement for a cooldown after the venue
// reports conditional orders as disabled.
type ConditionalBreaker struct {
	mu       sync.Mutex
	cooldown time.Duration
	openedAt time.Time
	until    time.Time
	reason   string
	alerts   Alerter
	now      func() time.Time
	log      *logrus.Entry
}

// NewConditionalBreaker creates a closed breaker. alerts may be nil.
func NewConditionalBreaker(cooldown time.Duration, alerts Alerter) *ConditionalBreaker {
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	return &ConditionalBreaker{
		cooldown: cooldown,
		alerts:   alerts,
		now:      time.Now,
		log:      logrus.WithField("component", "conditional-breaker"),
	}
}

// Allow returns nil while closed. An expired open period closes the breaker
// and lets the call through.
func (b *ConditionalBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() {
		return nil
	}
	if !b.now().Before(b.until) {
		b.log.WithField("opened_at", b.openedAt).Info("cooldown elapsed, conditional orders allowed again")
		b.openedAt, b.until, b.reason = time.Time{}, time.Time{}, ""
		return nil
	}
	return fmt.Errorf("%w until %s: %s", common.ErrConditionalUnavailable, b.until.UTC().Format(time.RFC3339), b.reason)
}

// Trip opens the breaker. It reports true (and alerts) only for the call
// that opened it; trips during an open period are ignored.
func (b *ConditionalBreaker) Trip(cause error) bool {
	b.mu.Lock()
	now := b.now()
	if !b.until.IsZero() && now.Before(b.until) {
		b.mu.Unlock()
		return false
	}
	b.openedAt = now
	b.until = now.Add(b.cooldown)
	b.reason = cause.Error()
	until := b.until
	b.mu.Unlock()

	b.log.WithError(cause).WithField("until", until).Error("conditional orders disabled by venue, breaker open")
	if b.alerts != nil {
		b.alerts.Important("conditional_orders_disabled", map[string]any{
			"reason": cause.Error(),
			"until":  until.UTC().Format(time.RFC3339),
		})
	}
	return true
}

// State returns the current breaker state.
func (b *ConditionalBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() || !b.now().Before(b.until) {
		return BreakerState{}
	}
	return BreakerState{Open: true, OpenedAt: b.openedAt, Until: b.until, Reason: b.reason}
}
