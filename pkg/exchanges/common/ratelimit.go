package common

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pacer spaces outbound requests so bursts from the reconciliation loop and
// manual orders stay under the venue's request rate.
type Pacer struct {
	limiter *rate.Limiter
	warnAt  time.Duration
	log     *logrus.Entry
}

// NewPacer allows rps requests per second with the given burst. A
// non-positive rps disables pacing.
func NewPacer(rps float64, burst int) *Pacer {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, burst),
		warnAt:  time.Second,
		log:     logrus.WithField("component", "pacer"),
	}
}

// Wait blocks until a request may be sent or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited >= p.warnAt {
		p.log.WithField("waited", waited).Warn("outbound request delayed by rate limit")
	}
	return nil
}
