package archive

import "time"

// Entry is an immutable, append-only archive record of one raw PBX event as
// it arrived, before any filtering.
//
// Invariants:
// - Entries are never updated or deleted; retention is handled by time-based
//   cleanup, not by mutation.
// - Token is required for tenancy isolation.
// - Archiving is best-effort; event processing never blocks on archive
//   failures.
//
// Storage (Postgres):
// - Table call_events with an INSERT-only policy.
// - Partition by received_at for retention.

type Entry struct {
	ID             string `json:"id" db:"id"`
	Token          string `json:"token" db:"token"`
	CallID         string `json:"call_id" db:"call_id"`
	UniqueID       string `json:"unique_id" db:"unique_id"`
	BridgeUniqueID string `json:"bridge_unique_id,omitempty" db:"bridge_unique_id"`
	EventType      string `json:"event_type" db:"event_type"`

	// Payload is the full raw event as JSON.
	Payload string `json:"payload" db:"payload"`

	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
