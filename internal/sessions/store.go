// Package sessions persists the per-session event log the gateway
// appends to: user messages, assistant finals and run lifecycle marks.
//
// The gateway treats this as a narrow append log; querying, compaction
// and richer session modelling live outside the protocol core.
package sessions

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one appended session event.
type Entry struct {
	// SessionKey identifies the session the entry belongs to.
	SessionKey string `json:"sessionKey"`

	// Kind tags the entry: "user", "assistant", "run" or adapter-defined.
	Kind string `json:"kind"`

	// Payload is the entry body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the append-log interface the gateway depends on.
type Store interface {
	// AppendEvent appends an entry to a session's log.
	AppendEvent(ctx context.Context, sessionKey string, entry Entry) error

	// History returns the most recent entries for a session, oldest
	// first, up to limit.
	History(ctx context.Context, sessionKey string, limit int) ([]Entry, error)

	// Close releases the store.
	Close() error
}

const defaultHistoryLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultHistoryLimit
	}
	return limit
}
