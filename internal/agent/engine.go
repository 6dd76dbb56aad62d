// Package agent defines the streaming engine contract the gateway
// drives chat runs against, plus a self-contained echo engine used
// when no real engine is wired in.
package agent

import "context"

// EventType tags an engine stream event.
type EventType string

const (
	// EventDelta carries an incremental chunk of assistant text.
	EventDelta EventType = "delta"

	// EventTool reports tool activity during a run.
	EventTool EventType = "tool"

	// EventDone closes the stream with the final assistant text.
	EventDone EventType = "done"

	// EventError closes the stream with a failure.
	EventError EventType = "error"
)

// Event is one element of an engine's run stream. The stream carries
// zero or more delta/tool events and ends with exactly one done or
// error event, after which the channel is closed.
type Event struct {
	Type EventType

	// Text is the delta chunk for EventDelta and the complete final
	// text for EventDone.
	Text string

	// Tool describes tool activity for EventTool.
	Tool *ToolActivity

	// Err is set for EventError.
	Err error
}

// ToolActivity describes a tool invocation surfaced mid-run.
type ToolActivity struct {
	Name  string `json:"name"`
	Phase string `json:"phase"` // "start" or "end"
}

// Engine produces assistant output for a run. StartRun returns the
// run's event stream; cancelling ctx aborts the run, and the engine
// must still terminate the stream (with done or error) and close it.
type Engine interface {
	StartRun(ctx context.Context, sessionKey, runID, input string) (<-chan Event, error)
}
