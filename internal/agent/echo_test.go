package agent

import (
	"context"
	"testing"
	"time"
)

func TestEchoEngineStreamsAndFinalizes(t *testing.T) {
	eng := &EchoEngine{}
	stream, err := eng.StartRun(context.Background(), "main", "r1", "hello echo world")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	var (
		deltas   int
		final    string
		terminal int
	)
	for ev := range stream {
		switch ev.Type {
		case EventDelta:
			if terminal > 0 {
				t.Fatal("delta after terminal event")
			}
			deltas++
		case EventDone:
			terminal++
			final = ev.Text
		case EventError:
			terminal++
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if deltas != 3 {
		t.Fatalf("deltas = %d, want 3", deltas)
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want 1", terminal)
	}
	if final != "hello echo world" {
		t.Fatalf("final = %q", final)
	}
}

func TestEchoEngineCancellation(t *testing.T) {
	eng := &EchoEngine{ChunkDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := eng.StartRun(ctx, "main", "r1", "one two three")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	cancel()

	var sawError bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				if !sawError {
					t.Fatal("stream closed without a terminal event")
				}
				return
			}
			if ev.Type == EventError {
				sawError = true
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancel")
		}
	}
}
