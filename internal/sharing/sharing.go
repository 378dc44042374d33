// Package sharing uploads anonymized usage reports for installs that opted
// into metrics sharing. Reports identify keys only by their metrics id and
// never influence key state.
package sharing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mileusna/crontab"
	"resty.dev/v3"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/logger"
	"ssmanager/internal/metrics"
	"ssmanager/internal/usage"
)

const (
	DefaultReportURL        = "https://prod.metrics.getoutline.org/connections"
	DefaultFeatureReportURL = "https://prod.metrics.getoutline.org/features"

	// ServerReportSchedule and FeatureReportSchedule are crontab expressions.
	ServerReportSchedule  = "0 * * * *"
	FeatureReportSchedule = "0 0 * * *"

	jobTimeout = 5 * time.Minute
)

// KeySource lists the current keys.
type KeySource interface {
	ListKeys() []accesskey.AccessKey
	DefaultDataLimit() *accesskey.DataLimit
}

// Install describes this server and its sharing opt-in.
type Install interface {
	ServerID() string
	MetricsEnabled() bool
}

// UserReport is the usage of one key, identified by its metrics id.
type UserReport struct {
	UserID           string `json:"userId"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

// ServerReport is the hourly usage report.
type ServerReport struct {
	ServerID    string       `json:"serverId"`
	StartUtcMs  int64        `json:"startUtcMs"`
	EndUtcMs    int64        `json:"endUtcMs"`
	UserReports []UserReport `json:"userReports"`
}

// DataLimitFeature summarizes data limit use.
type DataLimitFeature struct {
	Enabled          bool `json:"enabled"`
	PerKeyLimitCount int  `json:"perKeyLimitCount"`
}

// FeatureReport is the daily feature usage report.
type FeatureReport struct {
	ServerID       string           `json:"serverId"`
	ServerVersion  string           `json:"serverVersion"`
	TimestampUtcMs int64            `json:"timestampUtcMs"`
	DataLimit      DataLimitFeature `json:"dataLimit"`
}

// Publisher builds and uploads reports.
type Publisher struct {
	reader     usage.Reader
	keys       KeySource
	install    Install
	client     *resty.Client
	reportURL  string
	featureURL string
	version    string
	now        func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithReportURL(url string) Option {
	return func(p *Publisher) {
		if url != "" {
			p.reportURL = url
		}
	}
}

func WithFeatureReportURL(url string) Option {
	return func(p *Publisher) {
		if url != "" {
			p.featureURL = url
		}
	}
}

// WithTimeout bounds each upload.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.SetTimeout(d)
	}
}

// WithVersion sets the server version sent in feature reports.
func WithVersion(v string) Option {
	return func(p *Publisher) {
		p.version = v
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// New creates a Publisher.
func New(reader usage.Reader, keys KeySource, install Install, opts ...Option) *Publisher {
	p := &Publisher{
		reader:     reader,
		keys:       keys,
		install:    install,
		client:     resty.New().SetTimeout(30 * time.Second),
		reportURL:  DefaultReportURL,
		featureURL: DefaultFeatureReportURL,
		version:    "dev",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close releases the HTTP client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// BuildServerReport aggregates usage for the last hour by metrics id. Only
// keys that currently exist and moved data are included.
func (p *Publisher) BuildServerReport(ctx context.Context) (ServerReport, error) {
	end := p.now()
	start := end.Add(-time.Hour)
	used, err := p.reader.BytesTransferredSince(ctx, start)
	if err != nil {
		return ServerReport{}, err
	}

	totals := make(map[string]int64)
	for _, k := range p.keys.ListKeys() {
		if n := used[k.MetricsID]; n > 0 {
			totals[k.MetricsID] += n
		}
	}
	report := ServerReport{
		ServerID:    p.install.ServerID(),
		StartUtcMs:  start.UnixMilli(),
		EndUtcMs:    end.UnixMilli(),
		UserReports: make([]UserReport, 0, len(totals)),
	}
	for id, n := range totals {
		report.UserReports = append(report.UserReports, UserReport{UserID: id, BytesTransferred: n})
	}
	sort.Slice(report.UserReports, func(i, j int) bool {
		return report.UserReports[i].UserID < report.UserReports[j].UserID
	})
	return report, nil
}

// CollectAndPublish uploads the hourly report. It does nothing, network
// included, unless the install opted in. A report without traffic is not
// sent.
func (p *Publisher) CollectAndPublish(ctx context.Context) error {
	if !p.install.MetricsEnabled() {
		return nil
	}
	report, err := p.BuildServerReport(ctx)
	if err != nil {
		metrics.IncReport("server", "query_error")
		return fmt.Errorf("collect usage: %w", err)
	}
	if len(report.UserReports) == 0 {
		metrics.IncReport("server", "empty")
		return nil
	}
	if err := p.post(ctx, p.reportURL, report); err != nil {
		metrics.IncReport("server", "error")
		return err
	}
	metrics.IncReport("server", "ok")
	log := logger.GetLogger()
	log.Debug().Int("user_reports", len(report.UserReports)).Msg("usage report published")
	return nil
}

// BuildFeatureReport summarizes which features the install uses.
func (p *Publisher) BuildFeatureReport() FeatureReport {
	perKey := 0
	for _, k := range p.keys.ListKeys() {
		if k.DataLimit != nil {
			perKey++
		}
	}
	return FeatureReport{
		ServerID:       p.install.ServerID(),
		ServerVersion:  p.version,
		TimestampUtcMs: p.now().UnixMilli(),
		DataLimit: DataLimitFeature{
			Enabled:          p.keys.DefaultDataLimit() != nil,
			PerKeyLimitCount: perKey,
		},
	}
}

// PublishFeatureMetrics uploads the daily feature report if opted in.
func (p *Publisher) PublishFeatureMetrics(ctx context.Context) error {
	if !p.install.MetricsEnabled() {
		return nil
	}
	if err := p.post(ctx, p.featureURL, p.BuildFeatureReport()); err != nil {
		metrics.IncReport("feature", "error")
		return err
	}
	metrics.IncReport("feature", "ok")
	return nil
}

func (p *Publisher) post(ctx context.Context, url string, body any) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post report: collector returned status %d", resp.StatusCode())
	}
	return nil
}

// Schedule runs the hourly and daily reports until ctx ends. Failures are
// logged and the job waits for its next slot.
func (p *Publisher) Schedule(ctx context.Context) error {
	log := logger.GetLogger()
	ctab := crontab.New()

	if err := ctab.AddJob(ServerReportSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		if err := p.CollectAndPublish(jobCtx); err != nil {
			log.Warn().Err(err).Msg("usage report not published")
		}
	}); err != nil {
		ctab.Shutdown()
		return fmt.Errorf("schedule usage report: %w", err)
	}
	if err := ctab.AddJob(FeatureReportSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		if err := p.PublishFeatureMetrics(jobCtx); err != nil {
			log.Warn().Err(err).Msg("feature report not published")
		}
	}); err != nil {
		ctab.Shutdown()
		return fmt.Errorf("schedule feature report: %w", err)
	}

	<-ctx.Done()
	ctab.Shutdown()
	return nil
}
