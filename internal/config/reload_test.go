package config

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadAppliesRuntimeSettings(t *testing.T) {
	path := writeConfig(t, "quota:\n  interval: 1h\nlogging:\n  level: info\n")
	r, err := NewReloadable(path)
	require.NoError(t, err)
	defer r.Close()

	var mu sync.Mutex
	var seen []string
	r.Watch(func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, old.Logging.Level+"->"+new.Logging.Level)
	})

	require.NoError(t, os.WriteFile(path, []byte("quota:\n  interval: 10m\nlogging:\n  level: debug\n"), 0o600))
	require.NoError(t, r.Reload())

	assert.Equal(t, 10*time.Minute, r.Get().QuotaInterval())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "info->debug")
}

func TestReloadRejectsRestartOnlyChanges(t *testing.T) {
	path := writeConfig(t, "api_port: 8081\n")
	r, err := NewReloadable(path)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("api_port: 9443\n"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, 8081, r.Get().APIPort)

	require.NoError(t, os.WriteFile(path, []byte("pprof: true\n"), 0o600))
	assert.Error(t, r.Reload())
	assert.False(t, r.Get().Pprof)

	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  binary: other\n"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, "outline-ss-server", r.Get().Proxy.Binary)
}

func TestReloadKeepsCurrentOnInvalidFile(t *testing.T) {
	path := writeConfig(t, "quota:\n  interval: 1h\n")
	r, err := NewReloadable(path)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("quota:\n  interval: never\n"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, time.Hour, r.Get().QuotaInterval())
}

func TestWatcherPicksUpWrites(t *testing.T) {
	path := writeConfig(t, "quota:\n  interval: 1h\n")
	r, err := NewReloadable(path)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("quota:\n  interval: 5m\n"), 0o600))
	assert.Eventually(t, func() bool {
		return r.Get().QuotaInterval() == 5*time.Minute
	}, 3*time.Second, 20*time.Millisecond)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
