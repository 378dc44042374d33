package ssserver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/backoff"
	"ssmanager/internal/jsonfile"
	"ssmanager/internal/logger"
	"ssmanager/internal/metrics"
)

// Synchronizer is the only writer of the server config file. It implements
// accesskey.Syncer.
type Synchronizer struct {
	path string
	proc Process

	startRetries int
	retryInitial time.Duration
	retryMax     time.Duration
	breaker      *backoff.CircuitBreaker
	crashPause   time.Duration

	mu        sync.Mutex
	last      []byte
	applied   int
	startedAt time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithStartRetries bounds how often a failed server start is retried within
// one sync. Start failures are usually port bind races with other programs.
func WithStartRetries(n int) Option {
	return func(s *Synchronizer) {
		if n >= 0 {
			s.startRetries = n
		}
	}
}

// WithRetryInterval sets the backoff range between start attempts.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(s *Synchronizer) {
		s.retryInitial = initial
		s.retryMax = max
	}
}

// WithCrashLoop pauses supervised restarts for pause once the server has
// exited unexpectedly threshold times without staying up for pause in
// between.
func WithCrashLoop(threshold int, pause time.Duration) Option {
	return func(s *Synchronizer) {
		if threshold > 0 && pause > 0 {
			s.breaker = backoff.NewCircuitBreaker(threshold, pause)
			s.crashPause = pause
		}
	}
}

// New creates a Synchronizer writing the server config to path.
func New(path string, proc Process, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		path:         path,
		proc:         proc,
		startRetries: 3,
		retryInitial: 500 * time.Millisecond,
		retryMax:     5 * time.Second,
		breaker:      backoff.NewCircuitBreaker(5, time.Minute),
		crashPause:   time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync derives the config for keys and applies it. An unchanged config is a
// no-op as long as the server runs. The first sync, and any sync after the
// server died, starts it instead of reloading.
func (s *Synchronizer) Sync(ctx context.Context, keys []accesskey.AccessKey) error {
	cfg := BuildConfig(keys)
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode server config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && bytes.Equal(s.last, data) && s.proc.Running() {
		metrics.IncConfigSync("unchanged")
		return nil
	}

	if err := s.apply(ctx, data); err != nil {
		// Forget what was applied so the next sync retries in full.
		s.last = nil
		metrics.IncConfigSync("error")
		log := logger.GetLogger()
		log.Error().Err(err).
			Str("path", s.path).
			Int("enabled_keys", len(cfg.Keys)).
			Msg("failed to apply shadowsocks server config")
		return err
	}

	s.last = data
	s.applied++
	metrics.IncConfigSync("applied")
	log := logger.GetLogger()
	log.Debug().
		Int("enabled_keys", len(cfg.Keys)).
		Msg("shadowsocks server config applied")
	return nil
}

func (s *Synchronizer) apply(ctx context.Context, data []byte) error {
	if err := jsonfile.WriteAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write server config: %w", err)
	}
	if s.proc.Running() {
		if err := s.proc.Reload(); err != nil {
			return fmt.Errorf("reload server: %w", err)
		}
		return nil
	}
	return s.start(ctx)
}

func (s *Synchronizer) start(ctx context.Context) error {
	strategy := backoff.NewStrategy(s.retryInitial, s.retryMax, s.startRetries)
	err := backoff.Retry(ctx, strategy, func() error {
		err := s.proc.Start(ctx)
		if err != nil {
			log := logger.GetLogger()
			log.Warn().Err(err).
				Int("attempt", strategy.Attempts()+1).
				Msg("shadowsocks server start failed")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	s.startedAt = time.Now()
	return nil
}

// Applied returns how many configs have been written and applied.
func (s *Synchronizer) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Supervise restarts the server when it exits unexpectedly and stops it
// when ctx ends. Restarts reuse the config file already on disk. A server
// that keeps exiting right after start is left down for the crash loop
// pause before the next attempt.
func (s *Synchronizer) Supervise(ctx context.Context) error {
	log := logger.GetLogger()
	var resume <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.proc.Stop(stopCtx)
		case err := <-s.proc.Exited():
			metrics.IncProxyRestart()
			s.mu.Lock()
			if time.Since(s.startedAt) >= s.crashPause {
				s.breaker.RecordSuccess()
			}
			s.mu.Unlock()
			s.breaker.RecordFailure()
			if s.breaker.State() == backoff.StateOpen {
				log.Error().Err(err).Dur("pause", s.crashPause).Stringer("breaker", s.breaker.State()).
					Msg("shadowsocks server keeps exiting, pausing restarts")
				resume = time.After(s.crashPause)
				continue
			}
			log.Error().Err(err).Msg("shadowsocks server exited unexpectedly, restarting")
			s.restart(ctx)
		case <-resume:
			resume = nil
			s.breaker.Allow()
			log.Info().Msg("resuming shadowsocks server restarts")
			s.restart(ctx)
		}
	}
}

func (s *Synchronizer) restart(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc.Running() {
		return
	}
	if s.last == nil {
		// Nothing applied yet; the next sync starts the server.
		return
	}
	if err := s.start(ctx); err != nil {
		s.last = nil
		log := logger.GetLogger()
		log.Error().Err(err).Msg("shadowsocks server restart failed, waiting for the next sync")
	}
}
