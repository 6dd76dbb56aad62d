package gateway

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/haasonsaas/wiregate/internal/observability"
	"github.com/haasonsaas/wiregate/internal/protocol"
)

// BroadcastOpts adjusts delivery policy for one broadcast.
type BroadcastOpts struct {
	// DropIfSlow silently skips connections over their buffer ceiling
	// instead of force-closing them. High-volume telemetry uses this;
	// state-bearing events do not.
	DropIfSlow bool

	// StateVersion is an optional optimistic-concurrency stamp carried
	// on the event frame.
	StateVersion map[string]any
}

// scopeGuards maps event name prefixes to the operator scope required
// to receive them. Events with no matching prefix are visible to every
// authenticated operator.
var scopeGuards = []struct {
	prefix string
	scope  string
}{
	{"chat.", ScopeRead},
	{"presence", ScopeRead},
	{"node.", ScopeNodes},
	{"system.", ScopeAdmin},
}

func requiredScopeFor(event string) string {
	for _, g := range scopeGuards {
		if strings.HasPrefix(event, g.prefix) {
			return g.scope
		}
	}
	return ""
}

// Broadcaster fans event frames out to the connection registry. Every
// broadcast frame carries a strictly increasing sequence number shared
// across all broadcast traffic so clients can detect gaps.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
	seq      atomic.Int64

	// onSlowConsumer force-closes a connection that exceeded its
	// buffer ceiling on a non-droppable broadcast. Injected by the
	// server so the broadcaster stays free of lifecycle bookkeeping.
	onSlowConsumer func(c *Conn)
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger.With("component", "broadcaster"),
		metrics:  metrics,
	}
}

// NextSeq assigns the next global broadcast sequence number.
func (b *Broadcaster) NextSeq() int64 { return b.seq.Add(1) }

// Broadcast sends an event to every authenticated connection that
// passes the scope guard for the event. Node-role connections receive
// broadcast traffic only through BroadcastTo.
func (b *Broadcaster) Broadcast(event string, payload any, opts BroadcastOpts) {
	frame := protocol.NewEvent(event, payload).WithSeq(b.NextSeq())
	frame.StateVersion = opts.StateVersion
	data, err := protocol.Encode(frame)
	if err != nil {
		b.logger.Error("broadcast encode failed", "event", event, "error", err)
		return
	}
	required := requiredScopeFor(event)
	for _, c := range b.registry.List() {
		if c.Role != protocol.RoleOperator {
			continue
		}
		if required != "" && !c.HasScope(required) {
			continue
		}
		b.deliver(c, event, data, opts)
	}
	if b.metrics != nil {
		b.metrics.BroadcastCounter.WithLabelValues(observability.EventClass(event)).Inc()
	}
}

// BroadcastTo sends an event to an explicit set of connections,
// regardless of role. Used for run-scoped delivery such as node
// fan-out and per-request tool events.
func (b *Broadcaster) BroadcastTo(connIDs []string, event string, payload any, opts BroadcastOpts) {
	if len(connIDs) == 0 {
		return
	}
	frame := protocol.NewEvent(event, payload).WithSeq(b.NextSeq())
	frame.StateVersion = opts.StateVersion
	data, err := protocol.Encode(frame)
	if err != nil {
		b.logger.Error("broadcast encode failed", "event", event, "error", err)
		return
	}
	required := requiredScopeFor(event)
	for _, id := range connIDs {
		c, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		if c.Role == protocol.RoleOperator && required != "" && !c.HasScope(required) {
			continue
		}
		b.deliver(c, event, data, opts)
	}
	if b.metrics != nil {
		b.metrics.BroadcastCounter.WithLabelValues(observability.EventClass(event)).Inc()
	}
}

// deliver queues the encoded frame on one connection, applying the
// slow-consumer policy. It never blocks on the peer.
func (b *Broadcaster) deliver(c *Conn, event string, data []byte, opts BroadcastOpts) {
	if c.trySend(data) {
		return
	}
	if c.State() == StateClosed {
		return
	}
	if opts.DropIfSlow {
		if b.metrics != nil {
			b.metrics.SlowConsumerCounter.WithLabelValues("dropped").Inc()
		}
		return
	}
	b.logger.Warn("closing slow consumer",
		"conn_id", c.ID,
		"event", event,
		"buffered_bytes", c.BufferedBytes(),
	)
	if b.metrics != nil {
		b.metrics.SlowConsumerCounter.WithLabelValues("closed").Inc()
	}
	if b.onSlowConsumer != nil {
		b.onSlowConsumer(c)
	} else {
		c.closeWithCode(protocol.CloseSlowConsumer, "slow consumer")
	}
}
