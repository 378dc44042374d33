package accesskey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"ssmanager/internal/jsonfile"
	"ssmanager/internal/logger"
	"ssmanager/internal/metrics"
)

// errUnchanged aborts a mutation that would not change anything.
var errUnchanged = errors.New("unchanged")

// Store owns the access keys. Reads see the last committed state and never
// wait for a mutation in flight. Mutations are serialized through a single
// slot and hold it across modify, persist and sync.
type Store struct {
	path     string
	ports    PortAllocator
	settings Settings
	syncer   Syncer

	defaultCipher string
	newMetricsID  func() string
	newSecret     func() (string, error)
	onLimitChange func()

	slot chan struct{}

	mu        sync.RWMutex
	state     *state
	lastUsage map[string]int64
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultCipher sets the cipher used when CreateParams.Cipher is empty.
func WithDefaultCipher(cipher string) Option {
	return func(s *Store) {
		if cipher != "" {
			s.defaultCipher = cipher
		}
	}
}

// WithMetricsIDGenerator replaces the random UUID generator.
func WithMetricsIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newMetricsID = gen
	}
}

// WithSecretGenerator replaces the random secret generator.
func WithSecretGenerator(gen func() (string, error)) Option {
	return func(s *Store) {
		s.newSecret = gen
	}
}

// WithLimitChangeHook registers fn to run after a key or default data limit
// change is committed. fn must not block.
func WithLimitChangeHook(fn func()) Option {
	return func(s *Store) {
		s.onLimitChange = fn
	}
}

// Open loads the key file at path and reserves the port of every loaded key
// before anything else can allocate. A missing file is an empty store; an
// unreadable or inconsistent one is an error.
func Open(path string, ports PortAllocator, settings Settings, syncer Syncer, opts ...Option) (*Store, error) {
	s := &Store{
		path:          path,
		ports:         ports,
		settings:      settings,
		syncer:        syncer,
		defaultCipher: DefaultCipher,
		newMetricsID:  uuid.NewString,
		newSecret:     randomSecret,
		slot:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	st, dirty, err := loadState(path, s.newMetricsID)
	if err != nil {
		return nil, fmt.Errorf("load access keys: %w", err)
	}

	reserved := make([]int, 0, len(st.keys))
	for _, k := range st.sorted() {
		if err := ports.Reserve(k.Port); err != nil {
			for _, p := range reserved {
				ports.Release(p)
			}
			return nil, fmt.Errorf("reserve port of access key %q: %w", k.ID, err)
		}
		reserved = append(reserved, k.Port)
	}

	if dirty {
		if err := jsonfile.Save(path, st.toFile()); err != nil {
			for _, p := range reserved {
				ports.Release(p)
			}
			return nil, &PersistenceError{Path: path, Err: err}
		}
	}
	s.state = st
	s.updateGauges(st)

	log := logger.GetLogger()
	log.Info().
		Str("path", path).
		Int("access_keys", len(st.keys)).
		Msg("access key store loaded")
	return s, nil
}

// ReadKeys returns the keys persisted at path, ordered by id, without
// opening a store. The file is never written, so this is safe while another
// process owns the store. Keys that still need migration get a metrics id in
// the result only.
func ReadKeys(path string) ([]AccessKey, error) {
	st, _, err := loadState(path, uuid.NewString)
	if err != nil {
		return nil, fmt.Errorf("load access keys: %w", err)
	}
	return st.sorted(), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.slot }

// txn is a mutation in progress. Hooks run once the outcome is known.
type txn struct {
	*state
	onCommit []func()
	onAbort  []func()
}

// update runs fn on a copy of the committed state, persists the result,
// swaps it in and resyncs the proxy. The returned error is a *SyncError
// only when the mutation itself was committed.
func (s *Store) update(ctx context.Context, op string, fn func(tx *txn) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.RLock()
	tx := &txn{state: s.state.clone()}
	s.mu.RUnlock()

	abort := func(err error) error {
		for _, f := range tx.onAbort {
			f()
		}
		if errors.Is(err, errUnchanged) {
			return nil
		}
		metrics.IncKeyMutation(op, "error")
		return err
	}

	if err := fn(tx); err != nil {
		return abort(err)
	}
	if err := jsonfile.Save(s.path, tx.toFile()); err != nil {
		return abort(&PersistenceError{Path: s.path, Err: err})
	}

	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()
	for _, f := range tx.onCommit {
		f()
	}
	metrics.IncKeyMutation(op, "ok")
	s.updateGauges(tx.state)

	return s.syncLocked(ctx, tx.sorted())
}

// syncLocked pushes keys to the proxy. The caller holds the slot.
func (s *Store) syncLocked(ctx context.Context, keys []AccessKey) error {
	if s.syncer == nil {
		return nil
	}
	if err := s.syncer.Sync(ctx, keys); err != nil {
		log := logger.GetLogger()
		log.Error().Err(err).
			Int("access_keys", len(keys)).
			Msg("proxy config diverges from access key store until the next successful sync")
		return &SyncError{Err: err}
	}
	return nil
}

func (s *Store) updateGauges(st *state) {
	enabled := 0
	for _, k := range st.keys {
		if k.IsEnabled() {
			enabled++
		}
	}
	metrics.SetAccessKeys(len(st.keys), enabled)
}

// Create adds a key. A *SyncError return comes with the committed key.
func (s *Store) Create(ctx context.Context, p CreateParams) (AccessKey, error) {
	cipher := p.Cipher
	if cipher == "" {
		cipher = s.defaultCipher
	}
	secret := p.Secret
	if secret == "" {
		var err error
		if secret, err = s.newSecret(); err != nil {
			return AccessKey{}, fmt.Errorf("generate secret: %w", err)
		}
	}
	if err := validateCipher(cipher, secret); err != nil {
		return AccessKey{}, err
	}
	if p.DataLimit != nil && p.DataLimit.Bytes < 0 {
		return AccessKey{}, errors.New("data limit must not be negative")
	}

	var created AccessKey
	err := s.update(ctx, "create", func(tx *txn) error {
		port := p.Port
		if port != 0 {
			if err := s.ports.Reserve(port); err != nil {
				return &PortUnavailableError{Port: port, Err: err}
			}
		} else {
			var err error
			if port, err = s.ports.ReserveFirstFree(s.settings.PortForNewAccessKeys()); err != nil {
				return fmt.Errorf("allocate port: %w", err)
			}
		}
		tx.onAbort = append(tx.onAbort, func() { s.ports.Release(port) })

		id := strconv.Itoa(tx.nextID)
		for {
			if _, taken := tx.keys[id]; !taken {
				break
			}
			tx.nextID++
			id = strconv.Itoa(tx.nextID)
		}
		tx.nextID++

		k := AccessKey{
			ID:        id,
			MetricsID: uniqueMetricsID(tx.state, s.newMetricsID),
			Name:      p.Name,
			Port:      port,
			Cipher:    cipher,
			Secret:    secret,
		}
		if p.DataLimit != nil {
			l := *p.DataLimit
			k.DataLimit = &l
		}
		tx.keys[id] = k
		s.evaluateOnCommit(tx)
		created = tx.keys[id].clone()
		return nil
	})
	if !IsSyncOnly(err) {
		return AccessKey{}, err
	}

	log := logger.GetLogger()
	log.Info().
		Str("key_id", created.ID).
		Int("port", created.Port).
		Msg("access key created")
	return created, err
}

// Remove deletes a key and frees its port. The id and metrics id are never
// handed out again.
func (s *Store) Remove(ctx context.Context, id string) error {
	err := s.update(ctx, "remove", func(tx *txn) error {
		k, ok := tx.keys[id]
		if !ok {
			return &NotFoundError{ID: id}
		}
		delete(tx.keys, id)
		tx.retired[k.MetricsID] = struct{}{}
		tx.onCommit = append(tx.onCommit, func() { s.ports.Release(k.Port) })
		return nil
	})
	if IsSyncOnly(err) {
		log := logger.GetLogger()
		log.Info().Str("key_id", id).Msg("access key removed")
	}
	return err
}

// Rename changes the key's display name.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	return s.update(ctx, "rename", func(tx *txn) error {
		k, ok := tx.keys[id]
		if !ok {
			return &NotFoundError{ID: id}
		}
		if k.Name == name {
			return errUnchanged
		}
		k.Name = name
		tx.keys[id] = k
		return nil
	})
}

// SetDataLimit sets the key's own limit; nil reverts to the default.
func (s *Store) SetDataLimit(ctx context.Context, id string, limit *DataLimit) error {
	if limit != nil && limit.Bytes < 0 {
		return errors.New("data limit must not be negative")
	}
	return s.update(ctx, "set_data_limit", func(tx *txn) error {
		k, ok := tx.keys[id]
		if !ok {
			return &NotFoundError{ID: id}
		}
		if limit == nil {
			k.DataLimit = nil
		} else {
			l := *limit
			k.DataLimit = &l
		}
		tx.keys[id] = k
		s.evaluateOnCommit(tx)
		s.limitChanged(tx)
		return nil
	})
}

// SetEnabled is the operator switch. It never touches the over-quota state,
// so enabling a key that is over its limit leaves it disabled.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, "set_enabled", func(tx *txn) error {
		k, ok := tx.keys[id]
		if !ok {
			return &NotFoundError{ID: id}
		}
		if k.DisabledByOperator == !enabled {
			return errUnchanged
		}
		k.DisabledByOperator = !enabled
		tx.keys[id] = k
		return nil
	})
}

// SetDefaultDataLimit changes the limit of every key without its own and
// re-evaluates all of them. nil removes the default.
func (s *Store) SetDefaultDataLimit(ctx context.Context, limit *DataLimit) error {
	if limit != nil && limit.Bytes < 0 {
		return errors.New("data limit must not be negative")
	}
	return s.update(ctx, "set_default_data_limit", func(tx *txn) error {
		prev := s.settings.DefaultDataLimit()
		if err := s.settings.SetDefaultDataLimit(limit); err != nil {
			return fmt.Errorf("save default data limit: %w", err)
		}
		tx.onAbort = append(tx.onAbort, func() {
			if err := s.settings.SetDefaultDataLimit(prev); err != nil {
				log := logger.GetLogger()
				log.Error().Err(err).Msg("restore default data limit")
			}
		})
		ts, _ := s.evaluateWith(tx.state, limit)
		tx.onCommit = append(tx.onCommit, func() { recordTransitions(ts) })
		s.limitChanged(tx)
		return nil
	})
}

// ApplyUsage records a usage snapshot keyed by metrics id and flips the
// over-quota state of every key accordingly. It returns how many keys
// changed between enabled and disabled. The proxy is resynced even when
// nothing changed, which retries any earlier failed sync.
func (s *Store) ApplyUsage(ctx context.Context, usage map[string]int64) (int, error) {
	snapshot := make(map[string]int64, len(usage))
	for k, v := range usage {
		snapshot[k] = v
	}

	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	s.mu.Lock()
	s.lastUsage = snapshot
	next := s.state.clone()
	s.mu.Unlock()

	ts, touched := s.evaluate(next)
	if touched {
		if err := jsonfile.Save(s.path, next.toFile()); err != nil {
			metrics.IncKeyMutation("apply_usage", "error")
			return 0, &PersistenceError{Path: s.path, Err: err}
		}
		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
		metrics.IncKeyMutation("apply_usage", "ok")
		s.updateGauges(next)
		recordTransitions(ts)
	}
	return len(ts), s.syncLocked(ctx, next.sorted())
}

// transition is a key switching between enabled and disabled because of
// its data limit.
type transition struct {
	id    string
	over  bool
	used  int64
	limit int64
}

// evaluate applies the last usage snapshot to st using the current default
// limit. It returns the keys that switched between enabled and disabled, and
// whether any over-quota flag changed at all.
func (s *Store) evaluate(st *state) ([]transition, bool) {
	return s.evaluateWith(st, s.settings.DefaultDataLimit())
}

func (s *Store) evaluateWith(st *state, def *DataLimit) ([]transition, bool) {
	s.mu.RLock()
	usage := s.lastUsage
	s.mu.RUnlock()
	if usage == nil {
		return nil, false
	}

	var ts []transition
	touched := false
	for id, k := range st.keys {
		used := usage[k.MetricsID]
		limit := k.EffectiveLimit(def)
		over := limit != nil && used > limit.Bytes
		if over == k.OverQuota {
			continue
		}
		wasEnabled := k.IsEnabled()
		k.OverQuota = over
		st.keys[id] = k
		touched = true
		if wasEnabled == k.IsEnabled() {
			continue
		}
		t := transition{id: id, over: over, used: used}
		if limit != nil {
			t.limit = limit.Bytes
		}
		ts = append(ts, t)
	}
	return ts, touched
}

// evaluateOnCommit re-evaluates the transaction's keys and reports the
// transitions only if the transaction commits.
func (s *Store) evaluateOnCommit(tx *txn) {
	ts, _ := s.evaluate(tx.state)
	if len(ts) > 0 {
		tx.onCommit = append(tx.onCommit, func() { recordTransitions(ts) })
	}
}

func (s *Store) limitChanged(tx *txn) {
	if s.onLimitChange != nil {
		tx.onCommit = append(tx.onCommit, s.onLimitChange)
	}
}

func recordTransitions(ts []transition) {
	log := logger.GetLogger()
	for _, t := range ts {
		if t.over {
			metrics.IncQuotaTransition("disable")
			log.Info().Str("key_id", t.id).Int64("bytes", t.used).Int64("limit", t.limit).
				Msg("access key over data limit, disabling")
		} else {
			metrics.IncQuotaTransition("enable")
			log.Info().Str("key_id", t.id).Int64("bytes", t.used).Msg("access key back under data limit, enabling")
		}
	}
}

// Sync pushes the committed key set to the proxy.
func (s *Store) Sync(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.syncLocked(ctx, s.ListKeys())
}

// ListKeys returns copies of all keys ordered by id.
func (s *Store) ListKeys() []AccessKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.sorted()
}

// Get returns a copy of one key.
func (s *Store) Get(id string) (AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.state.keys[id]
	if !ok {
		return AccessKey{}, &NotFoundError{ID: id}
	}
	return k.clone(), nil
}

// DefaultDataLimit returns the server-wide default limit.
func (s *Store) DefaultDataLimit() *DataLimit {
	return s.settings.DefaultDataLimit()
}
