package accesskey

import (
	"errors"
	"fmt"
)

// ErrInvalidCipher is returned for cipher/secret material the proxy could
// not use.
var ErrInvalidCipher = errors.New("invalid cipher")

// NotFoundError reports an unknown access key id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("access key %q not found", e.ID)
}

// PortUnavailableError reports an explicitly requested port that is taken.
// It wraps the allocator's error so errors.As matches *portalloc.ConflictError
// too.
type PortUnavailableError struct {
	Port int
	Err  error
}

func (e *PortUnavailableError) Error() string {
	return fmt.Sprintf("port %d unavailable: %v", e.Port, e.Err)
}

func (e *PortUnavailableError) Unwrap() error { return e.Err }

// PersistenceError reports a failed durable write. The mutation that
// produced it was not applied.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SyncError reports that a committed mutation could not be applied to the
// proxy. The mutation itself succeeded and is durable.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("proxy config sync: %v", e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsSyncOnly reports whether err is nil or only a *SyncError, meaning the
// mutation itself was committed.
func IsSyncOnly(err error) bool {
	if err == nil {
		return true
	}
	var syncErr *SyncError
	return errors.As(err, &syncErr)
}
