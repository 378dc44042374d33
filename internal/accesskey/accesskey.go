// Package accesskey is the authoritative collection of shadowsocks access
// keys. Every mutation is serialized, persisted before it is acknowledged
// and followed by a resync of the proxy configuration.
package accesskey

import (
	"context"
	"strconv"
)

// DefaultCipher is used when a key is created without an explicit cipher.
const DefaultCipher = "chacha20-ietf-poly1305"

// DataLimit is a byte ceiling over the data usage timeframe.
type DataLimit struct {
	Bytes int64 `json:"bytes"`
}

// AccessKey is one proxy credential.
type AccessKey struct {
	ID        string
	MetricsID string
	Name      string
	Port      int
	Cipher    string
	Secret    string
	DataLimit *DataLimit

	// DisabledByOperator is set by SetEnabled(false) and only cleared by
	// SetEnabled(true).
	DisabledByOperator bool
	// OverQuota is owned by the quota pass.
	OverQuota bool
}

// IsEnabled reports whether the proxy should serve the key.
func (k AccessKey) IsEnabled() bool {
	return !k.DisabledByOperator && !k.OverQuota
}

// EffectiveLimit returns the key's own limit, else def. nil means unlimited.
func (k AccessKey) EffectiveLimit(def *DataLimit) *DataLimit {
	if k.DataLimit != nil {
		return k.DataLimit
	}
	return def
}

func (k AccessKey) clone() AccessKey {
	if k.DataLimit != nil {
		l := *k.DataLimit
		k.DataLimit = &l
	}
	return k
}

// Syncer applies the key set to the running proxy.
type Syncer interface {
	Sync(ctx context.Context, keys []AccessKey) error
}

// Settings are the server-wide values the store reads and writes.
type Settings interface {
	DefaultDataLimit() *DataLimit
	SetDefaultDataLimit(limit *DataLimit) error
	PortForNewAccessKeys() int
}

// PortAllocator is the process-wide port reservation set.
type PortAllocator interface {
	Reserve(port int) error
	ReserveFirstFree(start int) (int, error)
	Release(port int)
}

// CreateParams are the optional inputs of Create. Zero values are filled
// in: an automatic port, an empty name, the default cipher and a random
// secret.
type CreateParams struct {
	Port      int
	Name      string
	Cipher    string
	Secret    string
	DataLimit *DataLimit
}

// lessID orders numeric ids numerically and anything else lexically after
// them.
func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
