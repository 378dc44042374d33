package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssmanager/internal/accesskey"
)

type stubReader struct {
	usage map[string]int64
	err   error
	start time.Time
}

func (r *stubReader) BytesTransferredSince(_ context.Context, start time.Time) (map[string]int64, error) {
	r.start = start
	return r.usage, r.err
}

type stubKeys struct {
	keys  []accesskey.AccessKey
	limit *accesskey.DataLimit
}

func (s stubKeys) ListKeys() []accesskey.AccessKey        { return s.keys }
func (s stubKeys) DefaultDataLimit() *accesskey.DataLimit { return s.limit }

type stubInstall struct{ enabled bool }

func (stubInstall) ServerID() string       { return "server-1" }
func (s stubInstall) MetricsEnabled() bool { return s.enabled }

type collector struct {
	mu     sync.Mutex
	bodies []json.RawMessage
	status int
}

func (c *collector) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

var fixedNow = time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC)

func keys() stubKeys {
	return stubKeys{keys: []accesskey.AccessKey{
		{ID: "0", MetricsID: "m0", Name: "alice"},
		{ID: "1", MetricsID: "m1", Name: "bob", DataLimit: &accesskey.DataLimit{Bytes: 5}},
		{ID: "2", MetricsID: "m2", Name: "carol"},
	}}
}

func TestCollectAndPublishSendsAnonymizedReport(t *testing.T) {
	c := &collector{}
	srv := c.server(t)
	reader := &stubReader{usage: map[string]int64{"m1": 300, "m0": 100, "removed-key": 999}}

	p := New(reader, keys(), stubInstall{enabled: true},
		WithReportURL(srv.URL), WithClock(func() time.Time { return fixedNow }))
	defer p.Close()
	require.NoError(t, p.CollectAndPublish(context.Background()))

	assert.Equal(t, fixedNow.Add(-time.Hour), reader.start)
	require.Equal(t, 1, c.count())
	var report ServerReport
	require.NoError(t, json.Unmarshal(c.bodies[0], &report))
	assert.Equal(t, ServerReport{
		ServerID:   "server-1",
		StartUtcMs: fixedNow.Add(-time.Hour).UnixMilli(),
		EndUtcMs:   fixedNow.UnixMilli(),
		UserReports: []UserReport{
			{UserID: "m0", BytesTransferred: 100},
			{UserID: "m1", BytesTransferred: 300},
		},
	}, report)

	raw := string(c.bodies[0])
	for _, leak := range []string{"alice", "bob", `"0"`, `"1"`} {
		assert.NotContains(t, raw, leak)
	}
}

func TestNothingIsSentWithoutOptIn(t *testing.T) {
	c := &collector{}
	srv := c.server(t)
	reader := &stubReader{usage: map[string]int64{"m0": 100}}

	p := New(reader, keys(), stubInstall{enabled: false}, WithReportURL(srv.URL), WithFeatureReportURL(srv.URL))
	require.NoError(t, p.CollectAndPublish(context.Background()))
	require.NoError(t, p.PublishFeatureMetrics(context.Background()))

	assert.Equal(t, 0, c.count())
	assert.True(t, reader.start.IsZero(), "usage must not even be queried")
}

func TestEmptyReportIsSkipped(t *testing.T) {
	c := &collector{}
	srv := c.server(t)
	p := New(&stubReader{usage: map[string]int64{}}, keys(), stubInstall{enabled: true}, WithReportURL(srv.URL))
	require.NoError(t, p.CollectAndPublish(context.Background()))
	assert.Equal(t, 0, c.count())
}

func TestQueryFailureSkipsUpload(t *testing.T) {
	c := &collector{}
	srv := c.server(t)
	p := New(&stubReader{err: errors.New("prometheus down")}, keys(), stubInstall{enabled: true}, WithReportURL(srv.URL))
	assert.Error(t, p.CollectAndPublish(context.Background()))
	assert.Equal(t, 0, c.count())
}

func TestCollectorErrorIsReturned(t *testing.T) {
	c := &collector{status: http.StatusInternalServerError}
	srv := c.server(t)
	p := New(&stubReader{usage: map[string]int64{"m0": 1}}, keys(), stubInstall{enabled: true}, WithReportURL(srv.URL))
	assert.Error(t, p.CollectAndPublish(context.Background()))
}

func TestPublishFeatureMetrics(t *testing.T) {
	c := &collector{}
	srv := c.server(t)
	k := keys()
	k.limit = &accesskey.DataLimit{Bytes: 1000}

	p := New(&stubReader{}, k, stubInstall{enabled: true},
		WithFeatureReportURL(srv.URL), WithVersion("1.2.3"), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, p.PublishFeatureMetrics(context.Background()))

	require.Equal(t, 1, c.count())
	var report FeatureReport
	require.NoError(t, json.Unmarshal(c.bodies[0], &report))
	assert.Equal(t, FeatureReport{
		ServerID:       "server-1",
		ServerVersion:  "1.2.3",
		TimestampUtcMs: fixedNow.UnixMilli(),
		DataLimit:      DataLimitFeature{Enabled: true, PerKeyLimitCount: 1},
	}, report)
}

func TestScheduleStopsWithContext(t *testing.T) {
	p := New(&stubReader{}, keys(), stubInstall{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Schedule(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule did not return after cancel")
	}
}
