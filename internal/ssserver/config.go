// Package ssserver keeps the supervised shadowsocks server process in step
// with the access key store.
package ssserver

import (
	"sort"

	"gopkg.in/yaml.v3"

	"ssmanager/internal/accesskey"
)

// KeyConfig is one key entry of the outline-ss-server config file. ID
// carries the access key's metrics id, so the server's per-key traffic
// metrics are labelled with the unlinkable identifier only.
type KeyConfig struct {
	ID     string `yaml:"id"`
	Port   int    `yaml:"port"`
	Cipher string `yaml:"cipher"`
	Secret string `yaml:"secret"`
}

// Config is the outline-ss-server config file.
type Config struct {
	Keys []KeyConfig `yaml:"keys"`
}

// BuildConfig derives the server config from keys. Disabled keys are left
// out. The result is ordered by port then id so equal key sets always
// produce identical bytes.
func BuildConfig(keys []accesskey.AccessKey) Config {
	cfg := Config{Keys: make([]KeyConfig, 0, len(keys))}
	for _, k := range keys {
		if !k.IsEnabled() {
			continue
		}
		cfg.Keys = append(cfg.Keys, KeyConfig{
			ID:     k.MetricsID,
			Port:   k.Port,
			Cipher: k.Cipher,
			Secret: k.Secret,
		})
	}
	sort.Slice(cfg.Keys, func(i, j int) bool {
		if cfg.Keys[i].Port != cfg.Keys[j].Port {
			return cfg.Keys[i].Port < cfg.Keys[j].Port
		}
		return cfg.Keys[i].ID < cfg.Keys[j].ID
	})
	return cfg
}

// Marshal encodes the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
