package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	// DefaultStorageKey is the reserved durable key holding the snapshot.
	DefaultStorageKey = "cgv_state"

	// DefaultSessionKey is the well-known key of the current session identity.
	DefaultSessionKey = "currentUser"

	// DefaultSweepInterval is how often expired entries are reclaimed.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultPersistTimeout bounds a single durable write.
	DefaultPersistTimeout = 5 * time.Second
)

// Observer is notified with the new value after a successful Set on the
// key it watches.
type Observer func(key string, value any)

type subscription struct {
	id uint64
	fn Observer
}

// Manager is a dual-tier key/value store: an authoritative in-memory tier
// with per-key TTLs and observers, and a durable snapshot in a BlobStore
// that is read once at construction and refreshed on every mutation, on
// each sweep and on Close.
//
// Snapshots are encoded under the cache lock and written outside it, so
// reads never wait on the durable tier. Writes are serialized and stamped
// with a generation; a snapshot older than the last one written is dropped.
//
// Only one Manager may be built per BlobStore key; two instances would
// overwrite each other's snapshots.
type Manager struct {
	mu          sync.Mutex
	entries     map[string]*entry
	expirations map[string]time.Time
	observers   map[string][]subscription
	nextID      uint64
	nextSeq     uint64
	generation  uint64

	writeMu       sync.Mutex
	written       uint64
	snapshotBytes atomic.Int64

	store          BlobStore
	storageKey     string
	sessionKey     string
	sweepInterval  time.Duration
	persistTimeout time.Duration
	now            func() time.Time
	logger         zerolog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// pendingWrite is a snapshot taken under the cache lock, waiting to be
// written. A nil data deletes the durable key.
type pendingWrite struct {
	data []byte
	gen  uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithStorageKey sets the durable key the snapshot is stored under.
func WithStorageKey(key string) Option {
	return func(m *Manager) { m.storageKey = key }
}

// WithSessionKey sets the key removed by Cleanup.
func WithSessionKey(key string) Option {
	return func(m *Manager) { m.sessionKey = key }
}

// WithSweepInterval sets the periodic sweep interval. Zero or a negative
// interval disables the background sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithPersistTimeout bounds each durable read or write.
func WithPersistTimeout(d time.Duration) Option {
	return func(m *Manager) { m.persistTimeout = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager on store, restores the last snapshot and
// starts the background sweeper.
func NewManager(store BlobStore, opts ...Option) *Manager {
	if store == nil {
		panic("blob store cannot be nil")
	}

	m := &Manager{
		entries:        make(map[string]*entry),
		expirations:    make(map[string]time.Time),
		observers:      make(map[string][]subscription),
		store:          store,
		storageKey:     DefaultStorageKey,
		sessionKey:     DefaultSessionKey,
		sweepInterval:  DefaultSweepInterval,
		persistTimeout: DefaultPersistTimeout,
		now:            time.Now,
		logger:         logging.NewLogger("storage-cache"),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.load()

	m.logger.Debug().
		Str("storage_key", m.storageKey).
		Int("items", len(m.entries)).
		Msg("Storage cache initialized")

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.done)
	}
	return m
}

// SetOption configures a single Set call.
type SetOption func(*setConfig)

type setConfig struct {
	ttl     time.Duration
	persist bool
}

// WithTTL expires the entry ttl after it is written. A zero TTL means the
// entry never expires.
func WithTTL(ttl time.Duration) SetOption {
	return func(c *setConfig) { c.ttl = ttl }
}

// WithoutPersist keeps the write in memory only; the next persisting
// mutation, sweep or Close still includes it in the snapshot.
func WithoutPersist() SetOption {
	return func(c *setConfig) { c.persist = false }
}

// Set stores value under key, replacing any previous entry, then notifies
// the key's observers in registration order. It returns false when the
// snapshot could not be written; the in-memory write is kept regardless.
func (m *Manager) Set(key string, value any, opts ...SetOption) bool {
	cfg := setConfig{persist: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	now := m.now()
	e := &entry{Value: value, StoredAt: now}
	if cfg.ttl > 0 {
		e.TTL = cfg.ttl
	}

	m.mu.Lock()
	if prev, exists := m.entries[key]; exists {
		e.Seq = prev.Seq
	} else {
		m.nextSeq++
		e.Seq = m.nextSeq
	}
	m.entries[key] = e
	if deadline, ok := e.deadline(); ok {
		m.expirations[key] = deadline
	} else {
		delete(m.expirations, key)
	}

	var (
		pending pendingWrite
		ok      = true
	)
	if cfg.persist {
		pending, ok = m.snapshotLocked()
	}
	observers := append([]subscription(nil), m.observers[key]...)
	m.mu.Unlock()

	if cfg.persist && ok {
		ok = m.write(pending)
	}

	CacheSets.WithLabelValues(strconv.FormatBool(cfg.persist && ok)).Inc()
	m.logger.Debug().Str("key", key).Dur("ttl", e.TTL).Bool("persisted", cfg.persist && ok).Msg("Cache set")

	m.notify(key, value, observers)
	return ok
}

// Get returns the live value for key, or def when the key is absent or
// expired. Expired entries are removed on the way.
func (m *Manager) Get(key string, def any) any {
	value, ok := m.lookup(key)
	if !ok {
		return def
	}
	return value
}

// lookup is Get without a default, so stored nil values stay visible.
func (m *Manager) lookup(key string) (any, bool) {
	m.mu.Lock()

	if m.expiredLocked(key) {
		m.deleteLocked(key)
		pending, ok := m.snapshotLocked()
		m.mu.Unlock()

		if ok {
			m.write(pending)
		}
		CacheExpired.WithLabelValues("lazy").Inc()
		CacheMisses.Inc()
		m.logger.Debug().Str("key", key).Msg("Cache entry expired")
		return nil, false
	}

	e, ok := m.entries[key]
	m.mu.Unlock()

	if !ok {
		CacheMisses.Inc()
		return nil, false
	}
	CacheHits.Inc()
	return e.Value, true
}

// Remove deletes key and rewrites the snapshot. Removing a missing key is
// a no-op.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	if _, ok := m.entries[key]; !ok {
		delete(m.expirations, key)
		m.mu.Unlock()
		return
	}
	m.deleteLocked(key)
	pending, ok := m.snapshotLocked()
	m.mu.Unlock()

	if ok {
		m.write(pending)
	}
}

// Clear empties the in-memory tier and deletes the durable snapshot.
// Observers stay registered.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.expirations = make(map[string]time.Time)
	m.generation++
	pending := pendingWrite{gen: m.generation}
	m.mu.Unlock()

	m.write(pending)
	m.logger.Info().Msg("Storage cleared")
}

// Has reports whether key holds a live, unexpired entry.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[key]
	return ok && !m.expiredLocked(key)
}

// Keys returns the resident keys in insertion order; replacing a key keeps
// its position. Entries whose TTL has
// elapsed but that no Get or sweep has touched yet are still listed; pair
// with Has when that matters.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keysLocked()
}

func (m *Manager) keysLocked() []string {
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.entries[keys[i]].Seq, m.entries[keys[j]].Seq
		if a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Watch registers fn for Set calls on key. The returned function removes
// exactly this registration and is safe to call more than once.
func (m *Manager) Watch(key string, fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.observers[key] = append(m.observers[key], subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			subs := m.observers[key]
			for i, sub := range subs {
				if sub.id == id {
					m.observers[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(m.observers[key]) == 0 {
				delete(m.observers, key)
			}
		})
	}
}

// notify calls each observer, recovering and logging panics so one
// failing observer never stops the others or the Set that triggered it.
func (m *Manager) notify(key string, value any, observers []subscription) {
	for _, sub := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ObserverErrors.Inc()
					m.logger.Error().
						Str("key", key).
						Interface("panic", r).
						Msg("Error in storage observer")
				}
			}()
			sub.fn(key, value)
		}()
	}
}

// Sweep removes every entry whose deadline has passed and returns how many
// were removed. The snapshot is rewritten once if anything changed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	cleaned := m.sweepLocked()
	if cleaned == 0 {
		m.mu.Unlock()
		return 0
	}
	pending, ok := m.snapshotLocked()
	m.mu.Unlock()

	if ok {
		m.write(pending)
	}
	CacheExpired.WithLabelValues("sweep").Add(float64(cleaned))
	m.logger.Info().Int("cleaned", cleaned).Msg("Cleaned expired items")
	return cleaned
}

func (m *Manager) sweepLocked() int {
	now := m.now()
	cleaned := 0
	for key, deadline := range m.expirations {
		if now.After(deadline) {
			m.deleteLocked(key)
			cleaned++
		}
	}
	return cleaned
}

func (m *Manager) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Persist writes the current snapshot to the durable tier.
func (m *Manager) Persist() bool {
	m.mu.Lock()
	pending, ok := m.snapshotLocked()
	m.mu.Unlock()

	if !ok {
		return false
	}
	return m.write(pending)
}

// Close is the unload hook: it stops the sweeper and persists the current
// snapshot so the next Manager on the same store resumes the session.
// It does not clear anything and is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		if m.Persist() {
			m.logger.Debug().Msg("Session data persisted")
		}
	})
	return nil
}

// Cleanup removes the current session identity; used by logout flows.
func (m *Manager) Cleanup() {
	m.Remove(m.sessionKey)
	m.logger.Debug().Str("key", m.sessionKey).Msg("Cleanup completed")
}

// SessionKey returns the key Cleanup removes.
func (m *Manager) SessionKey() string {
	return m.sessionKey
}

// Info describes the current state of a Manager.
type Info struct {
	ItemCount     int      `json:"item_count"`
	Keys          []string `json:"keys"`
	SnapshotBytes int      `json:"snapshot_bytes"`
	ExpiringItems int      `json:"expiring_items"`
}

// Info returns counts and keys of the in-memory tier and the size of the
// last snapshot written or read.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Info{
		ItemCount:     len(m.entries),
		Keys:          m.keysLocked(),
		SnapshotBytes: int(m.snapshotBytes.Load()),
		ExpiringItems: len(m.expirations),
	}
}

func (m *Manager) expiredLocked(key string) bool {
	deadline, ok := m.expirations[key]
	if !ok {
		return false
	}
	return m.now().After(deadline)
}

func (m *Manager) deleteLocked(key string) {
	delete(m.entries, key)
	delete(m.expirations, key)
}

// snapshotLocked encodes the current state and stamps it with the next
// generation. Encode failures are logged and reported as false.
func (m *Manager) snapshotLocked() (pendingWrite, bool) {
	data, err := encodeSnapshot(m.entries, m.expirations)
	if err != nil {
		PersistErrors.WithLabelValues("encode").Inc()
		m.logger.Error().Err(err).Msg("Error saving to session")
		return pendingWrite{}, false
	}
	m.generation++
	return pendingWrite{data: data, gen: m.generation}, true
}

// write stores p in the durable tier unless a newer snapshot has already
// been written. Failures are logged and reported as false; they never
// reach the caller as errors.
func (m *Manager) write(p pendingWrite) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if p.gen <= m.written {
		return true
	}
	m.written = p.gen

	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()

	if p.data == nil {
		if err := m.store.Delete(ctx, m.storageKey); err != nil {
			PersistErrors.WithLabelValues("delete").Inc()
			m.logger.Warn().Err(err).Str("storage_key", m.storageKey).Msg("Failed to delete durable snapshot")
			return false
		}
	} else if err := m.store.Save(ctx, m.storageKey, p.data); err != nil {
		PersistErrors.WithLabelValues("save").Inc()
		m.logger.Error().Err(err).Str("storage_key", m.storageKey).Msg("Error saving to session")
		return false
	}

	m.snapshotBytes.Store(int64(len(p.data)))
	SnapshotSize.Set(float64(len(p.data)))
	return true
}

// load restores the snapshot once at construction. A corrupt snapshot is
// discarded and the durable tier cleared.
func (m *Manager) load() {
	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()

	data, err := m.store.Load(ctx, m.storageKey)
	if err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			PersistErrors.WithLabelValues("load").Inc()
			m.logger.Error().Err(err).Msg("Error loading from session")
		}
		return
	}

	entries, expirations, err := decodeSnapshot(data)
	if err != nil {
		PersistErrors.WithLabelValues("decode").Inc()
		m.logger.Error().Err(err).Msg("Error loading from session")
		m.Clear()
		return
	}

	m.snapshotBytes.Store(int64(len(data)))

	m.mu.Lock()
	m.entries = entries
	m.expirations = expirations
	for _, e := range entries {
		if e.Seq > m.nextSeq {
			m.nextSeq = e.Seq
		}
	}
	items := len(entries)

	cleaned := m.sweepLocked()
	var (
		pending pendingWrite
		ok      bool
	)
	if cleaned > 0 {
		items -= cleaned
		pending, ok = m.snapshotLocked()
	}
	m.mu.Unlock()

	if ok {
		m.write(pending)
	}
	if cleaned > 0 {
		CacheExpired.WithLabelValues("load").Add(float64(cleaned))
	}

	m.logger.Info().Int("items", items).Msg("Loaded data from session")
}
