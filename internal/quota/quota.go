// Package quota periodically disables access keys that went over their data
// limit and re-enables them once usage falls back under it.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/logger"
	"ssmanager/internal/metrics"
	"ssmanager/internal/usage"
)

// DefaultInterval is how often enforcement runs when not configured.
const DefaultInterval = time.Hour

// Target receives usage snapshots keyed by metrics id.
type Target interface {
	ApplyUsage(ctx context.Context, usage map[string]int64) (int, error)
}

// Enforcer runs quota passes on its own ticker, apart from the store's
// mutation path, so a slow usage query never holds up key management.
type Enforcer struct {
	reader    usage.Reader
	target    Target
	timeframe func() time.Duration
	now       func() time.Time

	intervalCh chan time.Duration
	triggerCh  chan struct{}
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) {
		e.now = now
	}
}

// New creates an Enforcer. timeframe is read on every pass so changes to the
// data usage window apply without a restart.
func New(reader usage.Reader, target Target, timeframe func() time.Duration, opts ...Option) *Enforcer {
	e := &Enforcer{
		reader:     reader,
		target:     target,
		timeframe:  timeframe,
		now:        time.Now,
		intervalCh: make(chan time.Duration, 1),
		triggerCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOnce performs one pass and returns how many keys changed state. A
// failed usage query applies nothing. A *accesskey.SyncError means the new
// states were committed but not yet applied to the server.
func (e *Enforcer) RunOnce(ctx context.Context) (int, error) {
	window := e.timeframe()
	if window <= 0 {
		window = usage.DefaultTimeframe
	}
	used, err := e.reader.BytesTransferredSince(ctx, e.now().Add(-window))
	if err != nil {
		metrics.IncUsageQueryFailure()
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return e.target.ApplyUsage(ctx, used)
}

// SetInterval changes the tick interval of a running Run loop.
func (e *Enforcer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case e.intervalCh <- d:
	default:
		// Replace a pending value that Run has not picked up yet.
		select {
		case <-e.intervalCh:
		default:
		}
		e.intervalCh <- d
	}
}

// Trigger asks a running Run loop for an extra pass without waiting for the
// next tick. Triggers arriving while one is pending are merged.
func (e *Enforcer) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Run performs a pass every interval until ctx ends. Failures are logged and
// retried on the next tick.
func (e *Enforcer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-e.intervalCh:
			ticker.Reset(d)
			log.Info().Dur("interval", d).Msg("quota interval changed")
		case <-e.triggerCh:
			if !e.pass(ctx, "triggered") {
				return nil
			}
		case <-ticker.C:
			if !e.pass(ctx, "scheduled") {
				return nil
			}
		}
	}
}

// pass runs RunOnce and logs the outcome. It returns false once ctx is done.
func (e *Enforcer) pass(ctx context.Context, reason string) bool {
	log := logger.GetLogger()
	n, err := e.RunOnce(ctx)
	var syncErr *accesskey.SyncError
	switch {
	case err == nil:
		if n > 0 {
			log.Info().Int("changed", n).Str("reason", reason).Msg("quota pass changed access key states")
		}
	case errors.As(err, &syncErr):
		log.Warn().Err(err).Int("changed", n).Msg("quota pass committed but proxy sync failed")
	case ctx.Err() != nil:
		return false
	default:
		log.Error().Err(err).Str("reason", reason).Msg("quota pass skipped")
	}
	return true
}
