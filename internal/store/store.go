// Package store persists search requests, fare results and the initial
// flight-count baseline on top of a kvstore.Store.
//
// Reads never fail: a missing or undecodable value is logged and read as
// empty (or zero).
package store

import (
	"encoding/json"
	"log/slog"

	"github.com/ChuLiYu/farewatch/internal/kvstore"
)

var log = slog.Default()

// Persisted keys.
const (
	KeyRequests            = "requests"
	KeyResults             = "results"
	KeyInitialFlights      = "initialNumberOfFlights"
	KeyRepeatSearchTime    = "repeatSearchTime"
	KeyRepeatSearchRequest = "repeatSearchRequest"
)

// readJSON decodes key into v. It reports false when the key is missing,
// unreadable or corrupt.
func readJSON(kv kvstore.Store, key string, v any) bool {
	raw, ok, err := kv.Get(key)
	if err != nil {
		log.Warn("Failed to read key", "key", key, "error", err)
		return false
	}
	if !ok || raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		log.Warn("Discarding corrupt value", "key", key, "error", err)
		return false
	}
	return true
}

func writeJSON(kv kvstore.Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.Put(key, string(data))
}
