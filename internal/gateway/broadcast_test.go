package gateway

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/haasonsaas/wiregate/internal/protocol"
)

// fakeConn builds a connection backed only by its send queue; no write
// loop drains it, so queued bytes stay counted.
func fakeConn(id, role string, scopes []string, maxBuffer int64) *Conn {
	c := &Conn{
		ID:        id,
		Role:      role,
		Scopes:    scopes,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		maxBuffer: maxBuffer,
	}
	c.setState(StateAuthenticated)
	return c
}

func drainFrames(t *testing.T, c *Conn) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for {
		select {
		case data := <-c.send:
			frame, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("decode queued frame: %v", err)
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}

func testBroadcaster(reg *Registry) *Broadcaster {
	return NewBroadcaster(reg, slog.Default(), nil)
}

func TestBroadcastSeqStrictlyIncreasing(t *testing.T) {
	reg := NewRegistry()
	conn := fakeConn("c1", protocol.RoleOperator, []string{ScopeRead}, 1<<20)
	reg.Add(conn)
	b := testBroadcaster(reg)

	for i := 0; i < 5; i++ {
		b.Broadcast("chat.delta", map[string]any{"n": i}, BroadcastOpts{})
	}

	frames := drainFrames(t, conn)
	if len(frames) != 5 {
		t.Fatalf("received %d frames, want 5", len(frames))
	}
	var last int64
	for i, f := range frames {
		if f.Seq == nil {
			t.Fatalf("frame %d has no seq", i)
		}
		if *f.Seq <= last {
			t.Fatalf("seq not strictly increasing: %d after %d", *f.Seq, last)
		}
		last = *f.Seq
	}
}

func TestBroadcastScopeGuard(t *testing.T) {
	reg := NewRegistry()
	reader := fakeConn("reader", protocol.RoleOperator, []string{ScopeRead}, 1<<20)
	unscoped := fakeConn("unscoped", protocol.RoleOperator, nil, 1<<20)
	admin := fakeConn("admin", protocol.RoleOperator, []string{ScopeAdmin}, 1<<20)
	node := fakeConn("node", protocol.RoleNode, nil, 1<<20)
	for _, c := range []*Conn{reader, unscoped, admin, node} {
		reg.Add(c)
	}
	b := testBroadcaster(reg)

	b.Broadcast("chat.final", map[string]any{"text": "done"}, BroadcastOpts{})

	if got := len(drainFrames(t, reader)); got != 1 {
		t.Errorf("reader got %d frames, want 1", got)
	}
	if got := len(drainFrames(t, unscoped)); got != 0 {
		t.Errorf("unscoped operator got %d frames, want 0", got)
	}
	if got := len(drainFrames(t, admin)); got != 1 {
		t.Errorf("admin got %d frames, want 1", got)
	}
	if got := len(drainFrames(t, node)); got != 0 {
		t.Errorf("node got %d broadcast frames, want 0", got)
	}
}

func TestBroadcastToReachesNodes(t *testing.T) {
	reg := NewRegistry()
	node := fakeConn("nodeconn", protocol.RoleNode, nil, 1<<20)
	other := fakeConn("other", protocol.RoleNode, nil, 1<<20)
	reg.Add(node)
	reg.Add(other)
	b := testBroadcaster(reg)

	b.BroadcastTo([]string{"nodeconn", "missing"}, "chat.delta", map[string]any{"text": "hi"}, BroadcastOpts{})

	if got := len(drainFrames(t, node)); got != 1 {
		t.Errorf("targeted node got %d frames, want 1", got)
	}
	if got := len(drainFrames(t, other)); got != 0 {
		t.Errorf("untargeted node got %d frames, want 0", got)
	}
}

func TestBroadcastSlowConsumerDropped(t *testing.T) {
	reg := NewRegistry()
	slow := fakeConn("slow", protocol.RoleOperator, []string{ScopeRead}, 1)
	healthy := fakeConn("healthy", protocol.RoleOperator, []string{ScopeRead}, 1<<20)
	reg.Add(slow)
	reg.Add(healthy)
	b := testBroadcaster(reg)

	var closed []string
	b.onSlowConsumer = func(c *Conn) { closed = append(closed, c.ID) }

	b.Broadcast("chat.delta", map[string]any{"text": "x"}, BroadcastOpts{DropIfSlow: true})
	if len(closed) != 0 {
		t.Fatalf("DropIfSlow closed %v, want none", closed)
	}
	if got := len(drainFrames(t, slow)); got != 0 {
		t.Fatalf("slow consumer received %d frames, want 0", got)
	}
	if got := len(drainFrames(t, healthy)); got != 1 {
		t.Fatalf("healthy consumer received %d frames, want 1", got)
	}
}

func TestBroadcastSlowConsumerClosedWhenNotDroppable(t *testing.T) {
	reg := NewRegistry()
	slow := fakeConn("slow", protocol.RoleOperator, []string{ScopeRead}, 1)
	reg.Add(slow)
	b := testBroadcaster(reg)

	var closed []string
	b.onSlowConsumer = func(c *Conn) { closed = append(closed, c.ID) }

	b.Broadcast("chat.final", map[string]any{"text": "x"}, BroadcastOpts{})
	if len(closed) != 1 || closed[0] != "slow" {
		t.Fatalf("closed = %v, want [slow]", closed)
	}
}

func TestBroadcastCarriesStateVersion(t *testing.T) {
	reg := NewRegistry()
	conn := fakeConn("c1", protocol.RoleOperator, []string{ScopeRead}, 1<<20)
	reg.Add(conn)
	b := testBroadcaster(reg)

	b.Broadcast("presence", map[string]any{}, BroadcastOpts{
		StateVersion: map[string]any{"rev": json.Number("7")},
	})
	frames := drainFrames(t, conn)
	if len(frames) != 1 {
		t.Fatalf("received %d frames, want 1", len(frames))
	}
	if frames[0].StateVersion == nil {
		t.Fatal("frame missing stateVersion")
	}
}
