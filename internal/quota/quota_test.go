package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/portalloc"
)

type stubReader struct {
	mu     sync.Mutex
	usage  map[string]int64
	err    error
	starts []time.Time
}

func (r *stubReader) set(usage map[string]int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage, r.err = usage, err
}

func (r *stubReader) BytesTransferredSince(_ context.Context, start time.Time) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, start)
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]int64, len(r.usage))
	for k, v := range r.usage {
		out[k] = v
	}
	return out, nil
}

type settings struct {
	mu    sync.Mutex
	limit *accesskey.DataLimit
}

func (s *settings) DefaultDataLimit() *accesskey.DataLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *settings) SetDefaultDataLimit(l *accesskey.DataLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = l
	return nil
}

func (s *settings) PortForNewAccessKeys() int { return 9000 }

type countingSyncer struct {
	mu    sync.Mutex
	syncs int
	last  []accesskey.AccessKey
}

func (c *countingSyncer) Sync(_ context.Context, keys []accesskey.AccessKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	c.last = keys
	return nil
}

func (c *countingSyncer) enabled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, k := range c.last {
		if k.IsEnabled() {
			ids = append(ids, k.ID)
		}
	}
	return ids
}

func newStore(t *testing.T) (*accesskey.Store, *settings, *countingSyncer) {
	t.Helper()
	st := &settings{}
	syncer := &countingSyncer{}
	store, err := accesskey.Open(
		filepath.Join(t.TempDir(), "keys.json"),
		portalloc.New(portalloc.WithProbe(func(int) error { return nil })),
		st, syncer,
	)
	require.NoError(t, err)
	return store, st, syncer
}

func thirtyDays() time.Duration { return 30 * 24 * time.Hour }

func TestDefaultLimitDisablesAndReenables(t *testing.T) {
	ctx := context.Background()
	store, _, syncer := newStore(t)
	k1, err := store.Create(ctx, accesskey.CreateParams{})
	require.NoError(t, err)
	require.NoError(t, store.SetDefaultDataLimit(ctx, &accesskey.DataLimit{Bytes: 1_000_000}))

	reader := &stubReader{}
	e := New(reader, store, thirtyDays)

	reader.set(map[string]int64{k1.MetricsID: 1_200_000}, nil)
	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := store.Get(k1.ID)
	assert.False(t, got.IsEnabled())
	assert.Empty(t, syncer.enabled())

	reader.set(map[string]int64{k1.MetricsID: 500_000}, nil)
	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = store.Get(k1.ID)
	assert.True(t, got.IsEnabled())
	assert.Equal(t, []string{k1.ID}, syncer.enabled())
}

func TestQueryFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	store, _, syncer := newStore(t)
	k1, err := store.Create(ctx, accesskey.CreateParams{DataLimit: &accesskey.DataLimit{Bytes: 10}})
	require.NoError(t, err)
	k2, err := store.Create(ctx, accesskey.CreateParams{DataLimit: &accesskey.DataLimit{Bytes: 10}})
	require.NoError(t, err)

	reader := &stubReader{}
	e := New(reader, store, thirtyDays)
	reader.set(map[string]int64{k1.MetricsID: 100}, nil)
	_, err = e.RunOnce(ctx)
	require.NoError(t, err)
	before := store.ListKeys()
	syncsBefore := syncer.syncs

	reader.set(nil, errors.New("prometheus unavailable"))
	n, err := e.RunOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, store.ListKeys())
	assert.Equal(t, syncsBefore, syncer.syncs)

	got, _ := store.Get(k2.ID)
	assert.True(t, got.IsEnabled())
}

func TestRepeatedPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	k, err := store.Create(ctx, accesskey.CreateParams{DataLimit: &accesskey.DataLimit{Bytes: 10}})
	require.NoError(t, err)

	reader := &stubReader{}
	reader.set(map[string]int64{k.MetricsID: 11}, nil)
	e := New(reader, store, thirtyDays)

	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	after := store.ListKeys()

	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, after, store.ListKeys())
}

func TestOperatorDisableWins(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	k, err := store.Create(ctx, accesskey.CreateParams{DataLimit: &accesskey.DataLimit{Bytes: 10}})
	require.NoError(t, err)

	reader := &stubReader{}
	e := New(reader, store, thirtyDays)
	reader.set(map[string]int64{k.MetricsID: 11}, nil)
	_, err = e.RunOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SetEnabled(ctx, k.ID, false))
	reader.set(map[string]int64{}, nil)
	_, err = e.RunOnce(ctx)
	require.NoError(t, err)

	got, _ := store.Get(k.ID)
	assert.False(t, got.IsEnabled(), "operator-disabled key must not be re-enabled by quota")
	assert.False(t, got.OverQuota)
}

func TestKeyWithoutUsageIsNeverDisabled(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	k, err := store.Create(ctx, accesskey.CreateParams{DataLimit: &accesskey.DataLimit{Bytes: 0}})
	require.NoError(t, err)

	reader := &stubReader{}
	reader.set(map[string]int64{"someone-else": 1 << 30}, nil)
	n, err := New(reader, store, thirtyDays).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, _ := store.Get(k.ID)
	assert.True(t, got.IsEnabled())
}

func TestWindowFollowsTimeframe(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store, _, _ := newStore(t)
	reader := &stubReader{}
	reader.set(map[string]int64{}, nil)

	e := New(reader, store, func() time.Duration { return 24 * time.Hour }, WithClock(func() time.Time { return now }))
	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, reader.starts, 1)
	assert.Equal(t, now.Add(-24*time.Hour), reader.starts[0])
}

func TestRunTicksUntilCancelled(t *testing.T) {
	store, _, syncer := newStore(t)
	reader := &stubReader{}
	reader.set(map[string]int64{}, nil)
	e := New(reader, store, thirtyDays)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		syncer.mu.Lock()
		defer syncer.mu.Unlock()
		return syncer.syncs >= 3
	}, 2*time.Second, 5*time.Millisecond)

	e.SetInterval(time.Hour)
	cancel()
	assert.NoError(t, <-done)
}

func TestTriggerRunsPassBeforeTick(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()
	k, err := store.Create(ctx, accesskey.CreateParams{})
	require.NoError(t, err)

	reader := &stubReader{}
	reader.set(map[string]int64{k.MetricsID: 500}, nil)
	e := New(reader, store, thirtyDays)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx, time.Hour) }()

	require.NoError(t, store.SetDataLimit(ctx, k.ID, &accesskey.DataLimit{Bytes: 100}))
	got, err := store.Get(k.ID)
	require.NoError(t, err)
	assert.True(t, got.IsEnabled(), "no usage has been read yet")

	e.Trigger()
	e.Trigger()
	require.Eventually(t, func() bool {
		got, err := store.Get(k.ID)
		return err == nil && got.OverQuota
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestLimitChangeHookTriggersEnforcer(t *testing.T) {
	reader := &stubReader{}
	var e *Enforcer
	store, err := accesskey.Open(
		filepath.Join(t.TempDir(), "keys.json"),
		portalloc.New(portalloc.WithProbe(func(int) error { return nil })),
		&settings{}, &countingSyncer{},
		accesskey.WithLimitChangeHook(func() { e.Trigger() }),
	)
	require.NoError(t, err)
	e = New(reader, store, thirtyDays)

	ctx := context.Background()
	k, err := store.Create(ctx, accesskey.CreateParams{})
	require.NoError(t, err)
	reader.set(map[string]int64{k.MetricsID: 500}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx, time.Hour) }()

	require.NoError(t, store.SetDefaultDataLimit(ctx, &accesskey.DataLimit{Bytes: 100}))
	require.Eventually(t, func() bool {
		got, err := store.Get(k.ID)
		return err == nil && !got.IsEnabled()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
