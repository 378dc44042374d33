package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/goccy/go-yaml"
)

// EnvPrefix prefixes every environment override, e.g. SSM_STATE_DIR.
const EnvPrefix = "SSM_"

type Config struct {
	StateDir      string     `yaml:"state_dir" env:"STATE_DIR"`
	ServerName    string     `yaml:"server_name" env:"SERVER_NAME"`
	APIPort       int        `yaml:"api_port" env:"API_PORT"`             // Management API port, reserved so keys never take it
	MetricsListen string     `yaml:"metrics_listen" env:"METRICS_LISTEN"` // Manager's own /metrics and /healthz
	Pprof         bool       `yaml:"pprof" env:"PPROF"`                   // Serve /debug/pprof/ on metrics_listen
	Proxy         Proxy      `yaml:"proxy" envPrefix:"PROXY_"`
	Prometheus    Prometheus `yaml:"prometheus" envPrefix:"PROMETHEUS_"`
	Quota         Quota      `yaml:"quota" envPrefix:"QUOTA_"`
	Sharing       Sharing    `yaml:"sharing" envPrefix:"SHARING_"`
	Keys          Keys       `yaml:"keys" envPrefix:"KEYS_"`
	Logging       Logging    `yaml:"logging" envPrefix:"LOG_"`
}

// Proxy configures the supervised outline-ss-server process.
type Proxy struct {
	Binary        string `yaml:"binary" env:"BINARY"`
	ConfigFile    string `yaml:"config_file" env:"CONFIG_FILE"`       // Defaults to <state_dir>/outline-ss-server/config.yml
	MetricsListen string `yaml:"metrics_listen" env:"METRICS_LISTEN"` // Where the server exports per-key traffic
	ReplayHistory int    `yaml:"replay_history" env:"REPLAY_HISTORY"`
	StartRetries  int    `yaml:"start_retries" env:"START_RETRIES"`
	StopGrace     string `yaml:"stop_grace" env:"STOP_GRACE"`
}

// Prometheus is the time-series store usage is read from.
type Prometheus struct {
	URL     string `yaml:"url" env:"URL"`
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
}

type Quota struct {
	Interval string `yaml:"interval" env:"INTERVAL"`
}

// Sharing configures the opt-in metrics upload. Whether anything is sent is
// decided by the persisted server settings, not here.
type Sharing struct {
	CollectorURL        string `yaml:"collector_url" env:"COLLECTOR_URL"`
	FeatureCollectorURL string `yaml:"feature_collector_url" env:"FEATURE_COLLECTOR_URL"`
	Timeout             string `yaml:"timeout" env:"TIMEOUT"`
}

// Keys holds defaults for new access keys.
type Keys struct {
	DefaultCipher   string `yaml:"default_cipher" env:"DEFAULT_CIPHER"`
	FirstPort       int    `yaml:"first_port" env:"FIRST_PORT"`
	PortSearchLimit int    `yaml:"port_search_limit" env:"PORT_SEARCH_LIMIT"`
	TimeframeHours  int    `yaml:"timeframe_hours" env:"TIMEFRAME_HOURS"`
}

type Logging struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console | json
}

// Load reads the YAML file at path, applies SSM_* environment overrides and
// defaults, and validates the result. An empty path loads from the
// environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "/opt/ssmanager/persisted-state"
	}
	if c.APIPort == 0 {
		c.APIPort = 8081
	}
	if c.MetricsListen == "" {
		c.MetricsListen = "127.0.0.1:9092"
	}
	if c.Proxy.Binary == "" {
		c.Proxy.Binary = "outline-ss-server"
	}
	if c.Proxy.ConfigFile == "" {
		c.Proxy.ConfigFile = filepath.Join(c.StateDir, "outline-ss-server", "config.yml")
	}
	if c.Proxy.MetricsListen == "" {
		c.Proxy.MetricsListen = "127.0.0.1:9091"
	}
	if c.Proxy.StartRetries == 0 {
		c.Proxy.StartRetries = 3
	}
	if c.Proxy.StopGrace == "" {
		c.Proxy.StopGrace = "5s"
	}
	if c.Prometheus.URL == "" {
		c.Prometheus.URL = "http://127.0.0.1:9090"
	}
	if c.Prometheus.Timeout == "" {
		c.Prometheus.Timeout = "10s"
	}
	if c.Quota.Interval == "" {
		c.Quota.Interval = "1h"
	}
	if c.Sharing.CollectorURL == "" {
		c.Sharing.CollectorURL = "https://prod.metrics.getoutline.org/connections"
	}
	if c.Sharing.FeatureCollectorURL == "" {
		c.Sharing.FeatureCollectorURL = "https://prod.metrics.getoutline.org/features"
	}
	if c.Sharing.Timeout == "" {
		c.Sharing.Timeout = "30s"
	}
	if c.Keys.DefaultCipher == "" {
		c.Keys.DefaultCipher = "chacha20-ietf-poly1305"
	}
	if c.Keys.FirstPort == 0 {
		c.Keys.FirstPort = 9000
	}
	if c.Keys.PortSearchLimit == 0 {
		c.Keys.PortSearchLimit = 1000
	}
	if c.Keys.TimeframeHours == 0 {
		c.Keys.TimeframeHours = 30 * 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) validate() error {
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path")
	}
	if err := validPort("api_port", c.APIPort); err != nil {
		return err
	}
	if err := validPort("keys.first_port", c.Keys.FirstPort); err != nil {
		return err
	}
	if c.Keys.PortSearchLimit < 1 {
		return fmt.Errorf("keys.port_search_limit must be positive")
	}
	if c.Keys.TimeframeHours < 1 {
		return fmt.Errorf("keys.timeframe_hours must be positive")
	}
	if _, err := listenPort("metrics_listen", c.MetricsListen); err != nil {
		return err
	}
	if _, err := listenPort("proxy.metrics_listen", c.Proxy.MetricsListen); err != nil {
		return err
	}
	if c.Proxy.ReplayHistory < 0 {
		return fmt.Errorf("proxy.replay_history must not be negative")
	}
	if c.Proxy.StartRetries < 0 {
		return fmt.Errorf("proxy.start_retries must not be negative")
	}
	if err := validURL("prometheus.url", c.Prometheus.URL); err != nil {
		return err
	}
	if err := validURL("sharing.collector_url", c.Sharing.CollectorURL); err != nil {
		return err
	}
	if err := validURL("sharing.feature_collector_url", c.Sharing.FeatureCollectorURL); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"proxy.stop_grace":   c.Proxy.StopGrace,
		"prometheus.timeout": c.Prometheus.Timeout,
		"quota.interval":     c.Quota.Interval,
		"sharing.timeout":    c.Sharing.Timeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be 'console' or 'json'")
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

func validURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
	}
	return nil
}

func listenPort(name, addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid port %q", name, portStr)
	}
	return port, validPort(name, port)
}

func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// KeysFile is the persisted access key file.
func (c *Config) KeysFile() string {
	return filepath.Join(c.StateDir, "shadowbox_config.json")
}

// ServerConfigFile is the persisted server settings file.
func (c *Config) ServerConfigFile() string {
	return filepath.Join(c.StateDir, "shadowbox_server_config.json")
}

// ReservedPorts lists the ports owned by other services of this install
// that access keys must never be given.
func (c *Config) ReservedPorts() []int {
	ports := []int{c.APIPort}
	for _, addr := range []string{c.MetricsListen, c.Proxy.MetricsListen} {
		if p, err := listenPort("", addr); err == nil {
			ports = append(ports, p)
		}
	}
	return ports
}

func (c *Config) QuotaInterval() time.Duration     { return mustDuration(c.Quota.Interval) }
func (c *Config) PrometheusTimeout() time.Duration { return mustDuration(c.Prometheus.Timeout) }
func (c *Config) SharingTimeout() time.Duration    { return mustDuration(c.Sharing.Timeout) }
func (c *Config) ProxyStopGrace() time.Duration    { return mustDuration(c.Proxy.StopGrace) }
