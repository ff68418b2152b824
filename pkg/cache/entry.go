package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// entry is a cached value with its write time and optional TTL.
// Callers only ever see Value.
type entry struct {
	Value    any
	StoredAt time.Time

	// TTL is zero for entries that never expire.
	TTL time.Duration

	// Seq orders keys by first insertion.
	Seq uint64
}

// deadline returns the instant after which the entry is logically absent.
func (e *entry) deadline() (time.Time, bool) {
	if e.TTL <= 0 {
		return time.Time{}, false
	}
	return e.StoredAt.Add(e.TTL), true
}

// snapshot is the durable form of a Manager's state.
type snapshot struct {
	Entries     map[string]snapshotEntry `json:"entries"`
	Expirations map[string]int64         `json:"expirations"` // unix millis
}

type snapshotEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"stored_at"` // unix millis
	TTLMs    int64           `json:"ttl_ms,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
}

// encodeSnapshot serializes entries and the expiration index.
func encodeSnapshot(entries map[string]*entry, expirations map[string]time.Time) ([]byte, error) {
	snap := snapshot{
		Entries:     make(map[string]snapshotEntry, len(entries)),
		Expirations: make(map[string]int64, len(expirations)),
	}

	for key, e := range entries {
		raw, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal value for %q: %w", key, err)
		}
		snap.Entries[key] = snapshotEntry{
			Value:    raw,
			StoredAt: e.StoredAt.UnixMilli(),
			TTLMs:    ttlMillis(e.TTL),
			Seq:      e.Seq,
		}
	}
	for key, exp := range expirations {
		snap.Expirations[key] = exp.UnixMilli()
	}

	return json.Marshal(snap)
}

// ttlMillis rounds a positive TTL up to whole milliseconds so a short TTL
// never persists as "no expiry".
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := ttl.Milliseconds()
	if time.Duration(ms)*time.Millisecond < ttl {
		ms++
	}
	return ms
}

// decodeSnapshot restores entries and rebuilds an expiration index that
// holds exactly the keys whose entry has a TTL. Values come back as the
// generic JSON types (map[string]any, []any, string, float64, bool, nil).
func decodeSnapshot(data []byte) (map[string]*entry, map[string]time.Time, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	entries := make(map[string]*entry, len(snap.Entries))
	expirations := make(map[string]time.Time)

	for key, se := range snap.Entries {
		e := &entry{
			StoredAt: time.UnixMilli(se.StoredAt),
			TTL:      time.Duration(se.TTLMs) * time.Millisecond,
			Seq:      se.Seq,
		}
		if len(se.Value) > 0 {
			if err := json.Unmarshal(se.Value, &e.Value); err != nil {
				return nil, nil, fmt.Errorf("unmarshal value for %q: %w", key, err)
			}
		}
		entries[key] = e

		deadline, ok := e.deadline()
		if !ok {
			continue
		}
		if ms, stored := snap.Expirations[key]; stored {
			deadline = time.UnixMilli(ms)
		}
		expirations[key] = deadline
	}

	return entries, expirations, nil
}
