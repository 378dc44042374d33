// Package usage reads per-key transferred bytes from the Prometheus server
// that scrapes the shadowsocks server.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"ssmanager/internal/logger"
)

// DefaultTimeframe is the default rolling usage window.
const DefaultTimeframe = 30 * 24 * time.Hour

// AccessKeyLabel is the label the server puts the key's metrics id in.
const AccessKeyLabel = "access_key"

// Reader returns bytes transferred per metrics id since windowStart. Keys
// without traffic may be absent from the result and count as zero.
type Reader interface {
	BytesTransferredSince(ctx context.Context, windowStart time.Time) (map[string]int64, error)
}

// QueryError wraps a failed or unusable query.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("usage query %q: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PrometheusReader queries the Prometheus HTTP API.
type PrometheusReader struct {
	api     v1.API
	timeout time.Duration
	now     func() time.Time
}

// Option configures a PrometheusReader.
type Option func(*PrometheusReader)

// WithTimeout bounds each query.
func WithTimeout(d time.Duration) Option {
	return func(r *PrometheusReader) {
		r.timeout = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *PrometheusReader) {
		r.now = now
	}
}

// NewPrometheusReader creates a reader for the Prometheus server at address.
func NewPrometheusReader(address string, opts ...Option) (*PrometheusReader, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	r := &PrometheusReader{
		api:     v1.NewAPI(client),
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Query returns the PromQL expression for the window since windowStart,
// evaluated at now.
func Query(now, windowStart time.Time) string {
	seconds := int64(now.Sub(windowStart).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf(`sum(increase(shadowsocks_data_bytes{dir=~"c<p|p>t"}[%ds])) by (%s)`, seconds, AccessKeyLabel)
}

func (r *PrometheusReader) BytesTransferredSince(ctx context.Context, windowStart time.Time) (map[string]int64, error) {
	now := r.now()
	query := Query(now, windowStart)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	value, warnings, err := r.api.Query(ctx, query, now, v1.WithTimeout(r.timeout))
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	if len(warnings) > 0 {
		log := logger.GetLogger()
		log.Warn().Strs("warnings", warnings).Msg("usage query returned warnings")
	}

	if value == nil {
		return nil, &QueryError{Query: query, Err: fmt.Errorf("empty result")}
	}
	vector, ok := value.(model.Vector)
	if !ok {
		return nil, &QueryError{Query: query, Err: fmt.Errorf("unexpected result type %s", value.Type())}
	}
	out := make(map[string]int64, len(vector))
	for _, sample := range vector {
		id := string(sample.Metric[model.LabelName(AccessKeyLabel)])
		if id == "" {
			continue
		}
		out[id] += int64(sample.Value)
	}
	return out, nil
}
