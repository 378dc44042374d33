// Package serverconfig holds the persisted, process-wide server settings:
// identity, the port handed to new access keys, the default data limit and
// the metrics sharing opt-in.
package serverconfig

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/jsonfile"
	"ssmanager/internal/portalloc"
)

// DefaultTimeframeHours is the rolling data usage window, thirty days.
const DefaultTimeframeHours = 30 * 24

// Timeframe is the rolling window data limits are measured over.
type Timeframe struct {
	Hours int `json:"hours"`
}

// Settings is the on-disk record.
type Settings struct {
	ServerID             string               `json:"serverId"`
	Name                 string               `json:"name,omitempty"`
	CreatedTimestampMs   int64                `json:"createdTimestampMs"`
	PortForNewAccessKeys int                  `json:"portForNewAccessKeys"`
	AccessKeyDataLimit   *accesskey.DataLimit `json:"accessKeyDataLimit,omitempty"`
	MetricsEnabled       bool                 `json:"metricsEnabled"`
	DataUsageTimeframe   Timeframe            `json:"dataUsageTimeframe"`
}

func (s Settings) clone() Settings {
	if s.AccessKeyDataLimit != nil {
		l := *s.AccessKeyDataLimit
		s.AccessKeyDataLimit = &l
	}
	return s
}

// Defaults seed a settings file that does not exist yet.
type Defaults struct {
	Name                 string
	PortForNewAccessKeys int
	TimeframeHours       int
}

// Config is the loaded settings file. Every setter persists before the new
// value becomes visible.
type Config struct {
	path string

	mu       sync.RWMutex
	settings Settings
}

// Load reads the settings at path. A missing file is created from defaults
// with a fresh server id.
func Load(path string, defaults Defaults) (*Config, error) {
	var s Settings
	found, err := jsonfile.Load(path, &s)
	if err != nil {
		return nil, err
	}

	dirty := !found
	if s.ServerID == "" {
		s.ServerID = uuid.NewString()
		dirty = true
	}
	if s.CreatedTimestampMs == 0 {
		s.CreatedTimestampMs = time.Now().UnixMilli()
		dirty = true
	}
	if s.Name == "" && defaults.Name != "" {
		s.Name = defaults.Name
		dirty = true
	}
	if s.PortForNewAccessKeys == 0 {
		s.PortForNewAccessKeys = defaults.PortForNewAccessKeys
		dirty = true
	}
	if s.DataUsageTimeframe.Hours == 0 {
		s.DataUsageTimeframe.Hours = defaults.TimeframeHours
		if s.DataUsageTimeframe.Hours <= 0 {
			s.DataUsageTimeframe.Hours = DefaultTimeframeHours
		}
		dirty = true
	}
	if err := validate(s); err != nil {
		return nil, fmt.Errorf("server config %s: %w", path, err)
	}

	c := &Config{path: path, settings: s}
	if dirty {
		if err := jsonfile.Save(path, s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Read returns the settings at path without creating or rewriting the
// file. A missing file reads as zero Settings.
func Read(path string) (Settings, error) {
	var s Settings
	if _, err := jsonfile.Load(path, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func validate(s Settings) error {
	if s.PortForNewAccessKeys < portalloc.MinPort || s.PortForNewAccessKeys > portalloc.MaxPort {
		return fmt.Errorf("portForNewAccessKeys %d out of range", s.PortForNewAccessKeys)
	}
	if s.AccessKeyDataLimit != nil && s.AccessKeyDataLimit.Bytes < 0 {
		return errors.New("accessKeyDataLimit must not be negative")
	}
	if s.DataUsageTimeframe.Hours <= 0 {
		return errors.New("dataUsageTimeframe.hours must be positive")
	}
	return nil
}

func (c *Config) update(fn func(s *Settings)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.settings.clone()
	fn(&next)
	if err := validate(next); err != nil {
		return err
	}
	if err := jsonfile.Save(c.path, next); err != nil {
		return &accesskey.PersistenceError{Path: c.path, Err: err}
	}
	c.settings = next
	return nil
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.clone()
}

func (c *Config) ServerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ServerID
}

func (c *Config) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Name
}

func (c *Config) SetName(name string) error {
	return c.update(func(s *Settings) { s.Name = name })
}

func (c *Config) PortForNewAccessKeys() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.PortForNewAccessKeys
}

func (c *Config) SetPortForNewAccessKeys(port int) error {
	return c.update(func(s *Settings) { s.PortForNewAccessKeys = port })
}

// DefaultDataLimit returns the limit applied to keys without their own, or
// nil when there is none.
func (c *Config) DefaultDataLimit() *accesskey.DataLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.settings.AccessKeyDataLimit == nil {
		return nil
	}
	l := *c.settings.AccessKeyDataLimit
	return &l
}

// SetDefaultDataLimit persists limit; nil removes the default.
func (c *Config) SetDefaultDataLimit(limit *accesskey.DataLimit) error {
	return c.update(func(s *Settings) {
		if limit == nil {
			s.AccessKeyDataLimit = nil
			return
		}
		l := *limit
		s.AccessKeyDataLimit = &l
	})
}

// MetricsEnabled reports the metrics sharing opt-in.
func (c *Config) MetricsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.MetricsEnabled
}

func (c *Config) SetMetricsEnabled(enabled bool) error {
	return c.update(func(s *Settings) { s.MetricsEnabled = enabled })
}

// DataUsageTimeframe is the window usage is summed over for data limits.
func (c *Config) DataUsageTimeframe() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.settings.DataUsageTimeframe.Hours) * time.Hour
}

func (c *Config) SetDataUsageTimeframe(hours int) error {
	return c.update(func(s *Settings) { s.DataUsageTimeframe.Hours = hours })
}
