package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventPut    EventType = "PUT"    // Key written with a new value
	EventDelete EventType = "DELETE" // Key removed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64    `json:"seq"`             // Event sequence number (monotonically increasing)
	Type      EventType `json:"type"`            // Event type
	Key       string    `json:"key"`             // Store key
	Value     string    `json:"value,omitempty"` // New value (PUT only)
	Timestamp int64     `json:"timestamp"`       // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`        // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to store state
type EventHandler func(event Event) error
