package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer hands out permission to make one outbound call at a time.
// A nil *Pacer never waits.
type Pacer struct {
	limiter *rate.Limiter

	// OnThrottled is called after a Wait that had to block, with how long it blocked.
	// used for counting throttled calls in prometheus
	OnThrottled func(waited time.Duration)

	now func() time.Time
}

type Option func(*Pacer)

// WithRate sets the bucket size and the refill rate.
// WithRate(100, 20) allows 20 calls at once, then refills at 100 calls per second.
// A perSecond of 0 or less disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(p *Pacer) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithOnThrottled sets a callback for calls that had to wait for a token.
func WithOnThrottled(fn func(waited time.Duration)) Option {
	return func(p *Pacer) {
		p.OnThrottled = fn
	}
}

// New creates a Pacer, 100 calls per second with a burst of 100 unless overridden.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		limiter: rate.NewLimiter(100, 100),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Wait blocks until a call may proceed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	start := p.now()
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := p.now().Sub(start); waited > time.Millisecond && p.OnThrottled != nil {
		p.OnThrottled(waited)
	}
	return nil
}

// Limit returns the configured calls per second.
func (p *Pacer) Limit() float64 {
	if p == nil {
		return float64(rate.Inf)
	}
	return float64(p.limiter.Limit())
}
