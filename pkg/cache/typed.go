package cache

import (
	"encoding/json"
	"fmt"
)

// GetAs returns the value under key decoded as T. Values written in this
// process are returned directly; values restored from a snapshot are
// decoded from their JSON form. The boolean is false when the key is
// absent, expired or not decodable as T.
func GetAs[T any](m *Manager, key string) (T, bool) {
	var zero T

	value, ok := m.lookup(key)
	if !ok {
		return zero, false
	}

	decoded, err := convert[T](value)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Cached value has unexpected type")
		return zero, false
	}
	return decoded, true
}

// WatchAs registers fn for Set calls on key, decoding each new value as T.
// Values that cannot be decoded are logged and skipped.
func WatchAs[T any](m *Manager, key string, fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return m.Watch(key, func(key string, value any) {
		decoded, err := convert[T](value)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Observed value has unexpected type")
			return
		}
		fn(decoded)
	})
}

func convert[T any](value any) (T, error) {
	if typed, ok := value.(T); ok {
		return typed, nil
	}

	var out T
	raw, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("marshal cached value: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached value as %T: %w", out, err)
	}
	return out, nil
}
