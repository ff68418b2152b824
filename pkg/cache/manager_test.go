package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every Save and counts calls.
type failingStore struct {
	*MemoryBlobStore
	saves int
}

func (s *failingStore) Save(context.Context, string, []byte) error {
	s.saves++
	return errors.New("quota exceeded")
}

// blockingStore holds every Save until release is closed or the write
// deadline passes.
type blockingStore struct {
	*MemoryBlobStore
	started chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryBlobStore: NewMemoryBlobStore(),
		started:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
}

func (s *blockingStore) Save(ctx context.Context, key string, data []byte) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return s.MemoryBlobStore.Save(ctx, key, data)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setupManager creates a Manager on a fresh memory store with a fake clock
// and no background sweeper.
func setupManager(t *testing.T, opts ...Option) (*Manager, *MemoryBlobStore, *fakeClock) {
	t.Helper()

	store := NewMemoryBlobStore()
	clock := newFakeClock()
	base := []Option{
		WithClock(clock.Now),
		WithSweepInterval(0),
		WithLogger(zerolog.Nop()),
	}
	manager := NewManager(store, append(base, opts...)...)
	t.Cleanup(func() { manager.Close() })

	return manager, store, clock
}

// reopen closes manager and builds a new one on the same store.
func reopen(t *testing.T, manager *Manager, store BlobStore, clock *fakeClock) *Manager {
	t.Helper()

	require.NoError(t, manager.Close())
	next := NewManager(store, WithClock(clock.Now), WithSweepInterval(0), WithLogger(zerolog.Nop()))
	t.Cleanup(func() { next.Close() })
	return next
}

func TestNewManager_Panic(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil) }, "NewManager should panic with nil blob store")
}

func TestManager_SetAndGet(t *testing.T) {
	manager, _, _ := setupManager(t)

	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"string", "greeting", "hello"},
		{"number", "count", 42},
		{"map", "flags", map[string]bool{"comments": true}},
		{"nil", "nothing", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, manager.Set(tt.key, tt.value))
			assert.Equal(t, tt.value, manager.Get(tt.key, "default"))
		})
	}
}

func TestManager_Get_Default(t *testing.T) {
	manager, _, _ := setupManager(t)

	assert.Equal(t, "D", manager.Get("missing", "D"))
	assert.Nil(t, manager.Get("missing", nil))
}

func TestManager_Set_ReplacesEntry(t *testing.T) {
	manager, _, _ := setupManager(t)

	manager.Set("user", map[string]any{"name": "a", "email": "a@example.com"})
	manager.Set("user", map[string]any{"name": "b"})

	got := manager.Get("user", nil).(map[string]any)
	assert.NotContains(t, got, "email", "Set should replace the entry, not merge it")
	assert.Equal(t, "b", got["name"])
}

func TestManager_TTLExpiry(t *testing.T) {
	manager, _, clock := setupManager(t)

	manager.Set("session", "abc", WithTTL(10*time.Second))

	clock.Advance(10 * time.Second)
	assert.Equal(t, "abc", manager.Get("session", "D"), "entry is live at its deadline")

	clock.Advance(time.Millisecond)
	assert.False(t, manager.Has("session"))
	assert.Equal(t, "D", manager.Get("session", "D"))
	assert.Empty(t, manager.Keys(), "lazy expiry removes the key")
}

func TestManager_Keys_IncludesUntouchedExpired(t *testing.T) {
	manager, _, clock := setupManager(t)

	manager.Set("temp", 1, WithTTL(time.Second))
	manager.Set("stable", 2)
	clock.Advance(2 * time.Second)

	assert.Equal(t, []string{"temp", "stable"}, manager.Keys())
	assert.False(t, manager.Has("temp"), "Has filters what Keys still lists")
}

func TestManager_Keys_InsertionOrder(t *testing.T) {
	manager, store, clock := setupManager(t)

	manager.Set("zeta", 1)
	manager.Set("alpha", 2)
	manager.Set("mid", 3)
	manager.Set("zeta", 4)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, manager.Keys(), "replacing a key keeps its position")

	manager.Remove("alpha")
	manager.Set("alpha", 5)
	assert.Equal(t, []string{"zeta", "mid", "alpha"}, manager.Keys(), "a removed key goes to the end")

	restored := reopen(t, manager, store, clock)
	assert.Equal(t, []string{"zeta", "mid", "alpha"}, restored.Keys())

	restored.Set("new", 6)
	assert.Equal(t, []string{"zeta", "mid", "alpha", "new"}, restored.Keys())
}

func TestManager_Set_WithoutTTLClearsStaleExpiry(t *testing.T) {
	manager, _, clock := setupManager(t)

	manager.Set("k", "first", WithTTL(time.Second))
	manager.Set("k", "second")
	clock.Advance(time.Hour)

	assert.Equal(t, "second", manager.Get("k", "D"))
	assert.Zero(t, manager.Info().ExpiringItems)
}

func TestManager_Set_RefreshesTTL(t *testing.T) {
	manager, _, clock := setupManager(t)

	manager.Set("k", 1, WithTTL(10*time.Second))
	clock.Advance(8 * time.Second)
	manager.Set("k", 2, WithTTL(10*time.Second))
	clock.Advance(8 * time.Second)

	assert.Equal(t, 2, manager.Get("k", "D"))
}

func TestManager_Remove(t *testing.T) {
	manager, _, _ := setupManager(t)

	manager.Set("k", "v", WithTTL(time.Minute))
	manager.Remove("k")

	assert.Equal(t, "D", manager.Get("k", "D"))
	assert.False(t, manager.Has("k"))
	assert.Zero(t, manager.Info().ExpiringItems)

	// Removing an absent key is a no-op.
	manager.Remove("never-set")
	assert.Equal(t, "D", manager.Get("never-set", "D"))
}

func TestManager_Clear(t *testing.T) {
	manager, store, _ := setupManager(t)
	ctx := context.Background()

	manager.Set("a", 1)
	manager.Set("b", 2, WithTTL(time.Minute))

	_, err := store.Load(ctx, DefaultStorageKey)
	require.NoError(t, err, "snapshot should exist before Clear")

	manager.Clear()

	assert.Empty(t, manager.Keys())
	_, err = store.Load(ctx, DefaultStorageKey)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	info := manager.Info()
	assert.Zero(t, info.ItemCount)
	assert.Zero(t, info.ExpiringItems)
	assert.Zero(t, info.SnapshotBytes)
}

func TestManager_Watch_OrderAndValue(t *testing.T) {
	manager, _, _ := setupManager(t)

	var calls []string
	manager.Watch("theme", func(key string, value any) {
		calls = append(calls, "first:"+key+":"+value.(string))
	})
	manager.Watch("theme", func(key string, value any) {
		calls = append(calls, "second:"+key+":"+value.(string))
	})
	manager.Watch("other", func(string, any) {
		calls = append(calls, "other")
	})

	manager.Set("theme", "dark")

	assert.Equal(t, []string{"first:theme:dark", "second:theme:dark"}, calls)
}

func TestManager_Watch_PanickingObserver(t *testing.T) {
	manager, _, _ := setupManager(t)

	secondCalled := 0
	manager.Watch("k", func(string, any) { panic("boom") })
	manager.Watch("k", func(string, any) { secondCalled++ })

	assert.True(t, manager.Set("k", "v"), "Set should succeed even if an observer panics")
	assert.Equal(t, 1, secondCalled)
	assert.Equal(t, "v", manager.Get("k", nil))
}

func TestManager_Watch_NotCalledOnReadRemoveOrSweep(t *testing.T) {
	manager, _, clock := setupManager(t)

	manager.Set("k", "v", WithTTL(time.Second))
	manager.Set("j", "v", WithTTL(time.Second))

	calls := 0
	manager.Watch("k", func(string, any) { calls++ })
	manager.Watch("j", func(string, any) { calls++ })

	manager.Get("k", nil)
	manager.Has("k")
	manager.Remove("k")
	clock.Advance(2 * time.Second)
	manager.Sweep()
	manager.Clear()

	assert.Zero(t, calls)
}

func TestManager_Watch_Unsubscribe(t *testing.T) {
	manager, _, _ := setupManager(t)

	var calls []string
	unsubscribeFirst := manager.Watch("k", func(string, any) { calls = append(calls, "first") })
	manager.Watch("k", func(string, any) { calls = append(calls, "second") })

	unsubscribeFirst()
	unsubscribeFirst()

	manager.Set("k", 1)

	assert.Equal(t, []string{"second"}, calls)
}

func TestManager_Watch_NilObserver(t *testing.T) {
	manager, _, _ := setupManager(t)

	unsubscribe := manager.Watch("k", nil)
	unsubscribe()

	assert.True(t, manager.Set("k", 1))
}

func TestManager_Set_UnserializableValue(t *testing.T) {
	manager, _, _ := setupManager(t)

	notified := false
	manager.Watch("ch", func(string, any) { notified = true })

	ch := make(chan int)
	assert.False(t, manager.Set("ch", ch), "Set should return false when the snapshot cannot be encoded")
	assert.Equal(t, ch, manager.Get("ch", nil), "in-memory value is committed despite encode failure")
	assert.True(t, notified, "observers are notified despite encode failure")
}

func TestManager_Set_StoreFailure(t *testing.T) {
	store := &failingStore{MemoryBlobStore: NewMemoryBlobStore()}
	manager := NewManager(store, WithSweepInterval(0), WithLogger(zerolog.Nop()))
	defer manager.Close()

	assert.False(t, manager.Set("k", "v"))
	assert.Equal(t, "v", manager.Get("k", nil))
	assert.Equal(t, 1, store.saves)
}

func TestManager_WithoutPersist(t *testing.T) {
	manager, store, _ := setupManager(t)
	ctx := context.Background()

	manager.Set("draft", "x", WithoutPersist())
	_, err := store.Load(ctx, DefaultStorageKey)
	require.ErrorIs(t, err, ErrBlobNotFound, "snapshot should not be written")

	require.True(t, manager.Persist())
	data, err := store.Load(ctx, DefaultStorageKey)
	require.NoError(t, err)

	entries, _, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Contains(t, entries, "draft")
}

func TestManager_ReadsDoNotWaitOnDurableWrites(t *testing.T) {
	store := newBlockingStore()
	manager := NewManager(store, WithSweepInterval(0), WithLogger(zerolog.Nop()))
	defer func() {
		close(store.release)
		manager.Close()
	}()

	manager.Set("a", "resident", WithoutPersist())

	setDone := make(chan bool, 1)
	go func() { setDone <- manager.Set("b", "slow") }()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "durable write never started")
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		assert.Equal(t, "resident", manager.Get("a", nil))
		assert.True(t, manager.Has("b"), "the in-memory write is visible before the durable one lands")
		assert.Equal(t, []string{"a", "b"}, manager.Keys())
		manager.Info()
	}()

	select {
	case <-readDone:
	case <-time.After(500 * time.Millisecond):
		require.FailNow(t, "reads blocked on an in-flight durable write")
	}

	select {
	case <-setDone:
		require.FailNow(t, "Set returned before its durable write finished")
	default:
	}
}

func TestManager_StaleSnapshotIsDropped(t *testing.T) {
	manager, store, _ := setupManager(t)

	manager.Set("k", "old", WithoutPersist())
	manager.mu.Lock()
	stale, ok := manager.snapshotLocked()
	manager.mu.Unlock()
	require.True(t, ok)

	require.True(t, manager.Set("k", "new"))
	assert.True(t, manager.write(stale), "an outdated snapshot is skipped, not failed")

	data, err := store.Load(context.Background(), DefaultStorageKey)
	require.NoError(t, err)
	entries, _, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, "new", entries["k"].Value)
}

func TestManager_SnapshotRestore(t *testing.T) {
	type user struct {
		ID    int    `json:"id"`
		Email string `json:"email"`
	}

	manager, store, clock := setupManager(t)
	manager.Set("currentUser", user{ID: 7, Email: "u@example.com"}, WithTTL(24*time.Hour))
	manager.Set("flags", map[string]bool{"comments": true})
	manager.Set("temp", "gone soon", WithTTL(time.Minute))

	manager.Close()
	clock.Advance(2 * time.Minute)
	restored := reopen(t, manager, store, clock)

	u, ok := GetAs[user](restored, "currentUser")
	require.True(t, ok, "currentUser should survive restore")
	assert.Equal(t, user{ID: 7, Email: "u@example.com"}, u)

	flags, ok := GetAs[map[string]bool](restored, "flags")
	require.True(t, ok)
	assert.True(t, flags["comments"])

	assert.Equal(t, []string{"currentUser", "flags"}, restored.Keys(), "expired temp is swept at load")

	clock.Advance(24 * time.Hour)
	assert.False(t, restored.Has("currentUser"), "restored TTL still applies")
}

func TestManager_Restore_ValuesKeepJSONTypes(t *testing.T) {
	manager, store, clock := setupManager(t)

	manager.Set("flag", true)
	manager.Set("name", "bob")
	manager.Set("count", 3)
	manager.Set("prefs", map[string]any{"theme": "dark"})
	manager.Set("tags", []string{"a", "b"})
	manager.Set("nothing", nil)

	require.Equal(t, true, manager.Get("flag", false).(bool))

	restored := reopen(t, manager, store, clock)

	flag, ok := restored.Get("flag", false).(bool)
	require.True(t, ok, "restored bool keeps its Go type")
	assert.True(t, flag)
	assert.Equal(t, "bob", restored.Get("name", ""))
	assert.Equal(t, float64(3), restored.Get("count", 0))
	assert.Equal(t, map[string]any{"theme": "dark"}, restored.Get("prefs", nil))
	assert.Equal(t, []any{"a", "b"}, restored.Get("tags", nil))
	assert.True(t, restored.Has("nothing"))
	assert.Nil(t, restored.Get("nothing", "D"))

	n, ok := GetAs[int](restored, "count")
	require.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestManager_Restore_SubMillisecondTTL(t *testing.T) {
	manager, store, clock := setupManager(t)

	manager.Set("blink", "x", WithTTL(500*time.Microsecond))

	restored := reopen(t, manager, store, clock)
	assert.Equal(t, 1, restored.Info().ExpiringItems, "a short TTL must not persist as no expiry")

	clock.Advance(2 * time.Millisecond)
	assert.False(t, restored.Has("blink"))
}

func TestTTLMillis(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Nanosecond, 1},
		{500 * time.Microsecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{time.Minute, 60000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ttlMillis(tt.ttl), "ttlMillis(%s)", tt.ttl)
	}
}

func TestManager_CorruptSnapshot(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, DefaultStorageKey, []byte("{not json")))

	manager := NewManager(store, WithSweepInterval(0), WithLogger(zerolog.Nop()))
	defer manager.Close()

	assert.Empty(t, manager.Keys())
	_, err := store.Load(ctx, DefaultStorageKey)
	assert.ErrorIs(t, err, ErrBlobNotFound, "corrupt snapshot should be deleted")
}

func TestManager_Sweep(t *testing.T) {
	manager, _, clock := setupManager(t)

	manager.Set("a", 1, WithTTL(time.Second))
	manager.Set("b", 2, WithTTL(time.Hour))
	manager.Set("c", 3)

	clock.Advance(time.Minute)

	assert.Equal(t, 1, manager.Sweep())
	assert.Equal(t, []string{"b", "c"}, manager.Keys())
	assert.Zero(t, manager.Sweep())
}

func TestManager_BackgroundSweep(t *testing.T) {
	clock := newFakeClock()
	manager := NewManager(NewMemoryBlobStore(),
		WithClock(clock.Now),
		WithSweepInterval(5*time.Millisecond),
		WithLogger(zerolog.Nop()),
	)
	defer manager.Close()

	manager.Set("k", 1, WithTTL(time.Second))
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool {
		return len(manager.Keys()) == 0
	}, 2*time.Second, 5*time.Millisecond, "background sweeper did not remove the expired key")
}

func TestManager_Close_PersistsAndIsIdempotent(t *testing.T) {
	store := NewMemoryBlobStore()
	manager := NewManager(store, WithSweepInterval(time.Hour), WithLogger(zerolog.Nop()))

	manager.Set("k", "v", WithoutPersist())

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	reopened := NewManager(store, WithSweepInterval(0), WithLogger(zerolog.Nop()))
	defer reopened.Close()

	v, ok := GetAs[string](reopened, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestManager_Cleanup(t *testing.T) {
	manager, _, _ := setupManager(t)

	manager.Set(DefaultSessionKey, map[string]any{"id": 1}, WithTTL(24*time.Hour))
	manager.Set("preferences", "keep")

	manager.Cleanup()

	assert.False(t, manager.Has(DefaultSessionKey), "Cleanup removes the session identity")
	assert.True(t, manager.Has("preferences"), "Cleanup keeps other keys")
}

func TestManager_CustomKeys(t *testing.T) {
	store := NewMemoryBlobStore()
	manager := NewManager(store,
		WithStorageKey("app_state"),
		WithSessionKey("me"),
		WithSweepInterval(0),
		WithLogger(zerolog.Nop()),
	)
	defer manager.Close()

	manager.Set("me", 1)
	_, err := store.Load(context.Background(), "app_state")
	assert.NoError(t, err, "snapshot should be stored under app_state")
	assert.Equal(t, "me", manager.SessionKey())

	manager.Cleanup()
	assert.False(t, manager.Has("me"))
}

func TestManager_Info(t *testing.T) {
	manager, _, _ := setupManager(t)

	manager.Set("a", 1, WithTTL(time.Minute))
	manager.Set("b", 2)

	info := manager.Info()
	assert.Equal(t, 2, info.ItemCount)
	assert.Equal(t, 1, info.ExpiringItems)
	assert.Equal(t, []string{"a", "b"}, info.Keys)
	assert.NotZero(t, info.SnapshotBytes)
}

func TestGetAs_TypeMismatch(t *testing.T) {
	manager, _, _ := setupManager(t)

	manager.Set("k", "not a number")

	_, ok := GetAs[int](manager, "k")
	assert.False(t, ok, "GetAs[int] should fail for a string value")

	v, ok := GetAs[string](manager, "k")
	assert.True(t, ok)
	assert.Equal(t, "not a number", v)

	_, ok = GetAs[string](manager, "missing")
	assert.False(t, ok)
}

func TestWatchAs(t *testing.T) {
	type prefs struct {
		Theme string `json:"theme"`
	}
	manager, _, _ := setupManager(t)

	var got []prefs
	unsubscribe := WatchAs(manager, "prefs", func(p prefs) { got = append(got, p) })

	manager.Set("prefs", prefs{Theme: "dark"})
	manager.Set("prefs", map[string]string{"theme": "light"})
	manager.Set("prefs", 12)
	unsubscribe()
	manager.Set("prefs", prefs{Theme: "ignored"})

	assert.Equal(t, []prefs{{Theme: "dark"}, {Theme: "light"}}, got)
}
