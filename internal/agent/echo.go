package agent

import (
	"context"
	"strings"
	"time"
)

// EchoEngine streams the input back word by word. It stands in for a
// real engine in standalone deployments and tests.
type EchoEngine struct {
	// ChunkDelay spaces out deltas; zero streams as fast as the
	// consumer drains.
	ChunkDelay time.Duration
}

// StartRun implements Engine.
func (e *EchoEngine) StartRun(ctx context.Context, _ string, _ string, input string) (<-chan Event, error) {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		words := strings.Fields(input)
		var b strings.Builder
		for i, w := range words {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(w)
			chunk := w
			if i > 0 {
				chunk = " " + w
			}
			select {
			case out <- Event{Type: EventDelta, Text: chunk}:
			case <-ctx.Done():
				out <- Event{Type: EventError, Err: ctx.Err()}
				return
			}
			if e.ChunkDelay > 0 {
				select {
				case <-time.After(e.ChunkDelay):
				case <-ctx.Done():
					out <- Event{Type: EventError, Err: ctx.Err()}
					return
				}
			}
		}
		out <- Event{Type: EventDone, Text: b.String()}
	}()
	return out, nil
}
