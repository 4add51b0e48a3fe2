package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/evvbridge/internal/clock"
)

// DefaultBatchDelay keeps sequential batch traffic under the aggregator's
// request ceiling.
const DefaultBatchDelay = 250 * time.Millisecond

// Pacer gates outbound aggregator calls. Wait blocks until the next call may
// be made or ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FixedDelay spaces calls at least delay apart. The first call never waits.
type FixedDelay struct {
	delay time.Duration
	clock clock.Clock
	sleep SleepFunc

	mu   sync.Mutex
	last time.Time
}

type FixedDelayOption func(*FixedDelay)

func WithPacerClock(clk clock.Clock) FixedDelayOption {
	return func(p *FixedDelay) { p.clock = clk }
}

func WithSleep(fn SleepFunc) FixedDelayOption {
	return func(p *FixedDelay) { p.sleep = fn }
}

func NewFixedDelay(delay time.Duration, opts ...FixedDelayOption) *FixedDelay {
	if delay < 0 {
		delay = 0
	}
	p := &FixedDelay{
		delay: delay,
		clock: clock.SystemClock{},
		sleep: Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *FixedDelay) Delay() time.Duration { return p.delay }

func (p *FixedDelay) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.last.IsZero() {
		if wait := p.last.Add(p.delay).Sub(p.clock.Now()); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	p.last = p.clock.Now()
	return nil
}

// Unpaced never waits. Dry runs and tests use it.
type Unpaced struct{}

func (Unpaced) Wait(ctx context.Context) error { return ctx.Err() }
