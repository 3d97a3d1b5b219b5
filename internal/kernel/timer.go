package kernel

import (
	"context"
	"time"
)

// TimerSource delivers the periodic trigger that drives the scheduler.
// It carries no data; the tick itself is the whole message.
type TimerSource interface {
	// Run invokes tick once per period until ctx is cancelled.
	Run(ctx context.Context, tick func()) error
	Close() error
}

// TickerSource is the portable timer source built on time.Ticker.
type TickerSource struct {
	period time.Duration
}

// NewTickerSource creates a ticker-backed timer with the given period.
func NewTickerSource(period time.Duration) *TickerSource {
	if period <= 0 {
		period = time.Millisecond
	}
	return &TickerSource{period: period}
}

func (t *TickerSource) Run(ctx context.Context, tick func()) error {
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			tick()
		}
	}
}

func (t *TickerSource) Close() error { return nil }
