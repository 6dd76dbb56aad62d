package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/wiregate/internal/agent"
	"github.com/haasonsaas/wiregate/internal/observability"
	"github.com/haasonsaas/wiregate/internal/sessions"
)

// Run terminal states carried on chat.final events.
const (
	RunStateDone    = "done"
	RunStateError   = "error"
	RunStateAborted = "aborted"
)

// chatRun is one agent invocation for one session. All mutation happens
// under ChatRuns.mu; the consuming goroutine is the only delta writer,
// which keeps per-run delta order intact.
type chatRun struct {
	sessionKey string
	id         string
	input      string

	buffer   strings.Builder
	pending  strings.Builder
	deltaSeq int64
	lastEmit time.Time

	deadline time.Time
	cancel   context.CancelFunc
	terminal bool
}

type sessionRuns struct {
	active *chatRun
	queue  []*chatRun
}

// ChatRuns owns the per-session run state machines: queueing, delta
// throttling, finalization and abort. Exactly one terminal chat.final
// event is emitted per run.
type ChatRuns struct {
	mu       sync.Mutex
	sessions map[string]*sessionRuns

	engine      agent.Engine
	broadcaster *Broadcaster
	store       sessions.Store
	logger      *slog.Logger
	metrics     *observability.Metrics

	// subscribers resolves the node connections interested in a
	// session key; chat events fan out to them alongside operators.
	subscribers func(sessionKey string) []string

	deltaInterval time.Duration
	runTimeout    time.Duration
}

// ChatRunsOptions configures a ChatRuns registry.
type ChatRunsOptions struct {
	Engine        agent.Engine
	Broadcaster   *Broadcaster
	Store         sessions.Store
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Subscribers   func(sessionKey string) []string
	DeltaInterval time.Duration
	RunTimeout    time.Duration
}

// NewChatRuns creates an empty run registry.
func NewChatRuns(opts ChatRunsOptions) *ChatRuns {
	if opts.DeltaInterval <= 0 {
		opts.DeltaInterval = 150 * time.Millisecond
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.Subscribers == nil {
		opts.Subscribers = func(string) []string { return nil }
	}
	return &ChatRuns{
		sessions:      make(map[string]*sessionRuns),
		engine:        opts.Engine,
		broadcaster:   opts.Broadcaster,
		store:         opts.Store,
		logger:        opts.Logger.With("component", "chat"),
		metrics:       opts.Metrics,
		subscribers:   opts.Subscribers,
		deltaInterval: opts.DeltaInterval,
		runTimeout:    opts.RunTimeout,
	}
}

// Send enqueues a run for the session. When no run is active the run
// starts streaming immediately; otherwise it queues FIFO behind the
// active run so two runs never interleave deltas for one session.
// It reports whether the run was queued rather than started.
func (c *ChatRuns) Send(sessionKey, runID, input string) bool {
	run := &chatRun{
		sessionKey: sessionKey,
		id:         runID,
		input:      input,
		deadline:   time.Now().Add(c.runTimeout),
	}

	c.mu.Lock()
	sr := c.sessions[sessionKey]
	if sr == nil {
		sr = &sessionRuns{}
		c.sessions[sessionKey] = sr
	}
	if sr.active != nil {
		sr.queue = append(sr.queue, run)
		c.mu.Unlock()
		return true
	}
	sr.active = run
	if c.metrics != nil {
		c.metrics.ActiveRuns.Inc()
	}
	c.mu.Unlock()

	c.start(run)
	return false
}

// Abort terminates the active or queued run with the given id. The
// abort path never waits on the engine: the terminal event goes out
// immediately and late engine events are dropped.
func (c *ChatRuns) Abort(sessionKey, runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sr := c.sessions[sessionKey]
	if sr == nil {
		return false
	}
	if sr.active != nil && (runID == "" || sr.active.id == runID) {
		c.finalizeLocked(sr.active, RunStateAborted, "abort")
		return true
	}
	for i, queued := range sr.queue {
		if queued.id == runID {
			sr.queue = append(sr.queue[:i], sr.queue[i+1:]...)
			c.emitFinal(queued, RunStateAborted, "abort")
			return true
		}
	}
	return false
}

// ExpireStale finalizes runs whose deadline has passed, tagging the
// stop reason as a timeout. Invoked by the maintenance sweep.
func (c *ChatRuns) ExpireStale(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	expired := 0
	for _, sr := range c.sessions {
		if sr.active != nil && now.After(sr.active.deadline) {
			c.finalizeLocked(sr.active, RunStateAborted, "timeout")
			expired++
		}
	}
	return expired
}

// ActiveCount returns the number of streaming runs.
func (c *ChatRuns) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sr := range c.sessions {
		if sr.active != nil {
			n++
		}
	}
	return n
}

func (c *ChatRuns) start(run *chatRun) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if run.terminal {
		// Aborted between activation and engine start; the terminal
		// event is already out and the engine must never run.
		c.mu.Unlock()
		cancel()
		return
	}
	run.cancel = cancel
	c.mu.Unlock()

	stream, err := c.engine.StartRun(ctx, run.sessionKey, run.id, run.input)
	if err != nil {
		c.logger.Error("engine start failed", "session", run.sessionKey, "run_id", run.id, "error", err)
		c.mu.Lock()
		c.finalizeLocked(run, RunStateError, err.Error())
		c.mu.Unlock()
		return
	}
	go c.consume(run, stream)
}

// consume relays one run's engine stream. It is the single writer of
// the run's buffer, so delta order on the wire matches production
// order.
func (c *ChatRuns) consume(run *chatRun, stream <-chan agent.Event) {
	for ev := range stream {
		c.mu.Lock()
		if run.terminal {
			c.mu.Unlock()
			continue
		}
		switch ev.Type {
		case agent.EventDelta:
			run.buffer.WriteString(ev.Text)
			run.pending.WriteString(ev.Text)
			if time.Since(run.lastEmit) >= c.deltaInterval {
				c.emitDeltaLocked(run)
			}
		case agent.EventTool:
			c.mu.Unlock()
			c.emitChat(run.sessionKey, "chat.tool", map[string]any{
				"sessionKey": run.sessionKey,
				"runId":      run.id,
				"tool":       ev.Tool,
			}, BroadcastOpts{DropIfSlow: true})
			continue
		case agent.EventDone:
			if ev.Text != "" {
				// The final text is authoritative when the engine
				// provides it.
				run.buffer.Reset()
				run.buffer.WriteString(ev.Text)
			}
			c.finalizeLocked(run, RunStateDone, "")
		case agent.EventError:
			reason := "engine error"
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			c.finalizeLocked(run, RunStateError, reason)
		}
		c.mu.Unlock()
	}
}

// emitDeltaLocked flushes the pending incremental text as one
// chat.delta event. Throttled trailing text is never replayed; the
// final event's full buffer covers it.
func (c *ChatRuns) emitDeltaLocked(run *chatRun) {
	text := run.pending.String()
	if text == "" {
		return
	}
	run.pending.Reset()
	run.deltaSeq++
	run.lastEmit = time.Now()
	c.emitChat(run.sessionKey, "chat.delta", map[string]any{
		"sessionKey": run.sessionKey,
		"runId":      run.id,
		"text":       text,
		"deltaSeq":   run.deltaSeq,
	}, BroadcastOpts{DropIfSlow: true})
}

// finalizeLocked moves a run to a terminal state and starts the next
// queued run. The terminal guard makes duplicate finalization (abort
// racing engine completion, timeout racing abort) a no-op.
func (c *ChatRuns) finalizeLocked(run *chatRun, state, reason string) {
	if run.terminal {
		return
	}
	run.terminal = true
	if run.cancel != nil {
		run.cancel()
	}

	c.emitFinal(run, state, reason)

	if c.store != nil && state == RunStateDone {
		entry := sessions.Entry{Kind: "assistant", Payload: mustJSON(map[string]string{
			"runId": run.id,
			"text":  run.buffer.String(),
		})}
		if err := c.store.AppendEvent(context.Background(), run.sessionKey, entry); err != nil {
			c.logger.Warn("session append failed", "session", run.sessionKey, "error", err)
		}
	}

	if c.metrics != nil {
		c.metrics.ActiveRuns.Dec()
		outcome := state
		if reason == "timeout" {
			outcome = "timeout"
		}
		c.metrics.RunOutcomes.WithLabelValues(outcome).Inc()
	}

	sr := c.sessions[run.sessionKey]
	if sr == nil || sr.active != run {
		return
	}
	sr.active = nil
	if len(sr.queue) > 0 {
		next := sr.queue[0]
		sr.queue = sr.queue[1:]
		sr.active = next
		if c.metrics != nil {
			c.metrics.ActiveRuns.Inc()
		}
		go c.start(next)
	} else {
		delete(c.sessions, run.sessionKey)
	}
}

// emitFinal broadcasts the single terminal event for a run. Finals are
// state-bearing; slow consumers are closed rather than skipped.
func (c *ChatRuns) emitFinal(run *chatRun, state, reason string) {
	payload := map[string]any{
		"sessionKey": run.sessionKey,
		"runId":      run.id,
		"text":       run.buffer.String(),
		"state":      state,
	}
	if reason != "" && state != RunStateDone {
		payload["reason"] = reason
	}
	c.emitChat(run.sessionKey, "chat.final", payload, BroadcastOpts{})
}

func (c *ChatRuns) emitChat(sessionKey, event string, payload any, opts BroadcastOpts) {
	c.broadcaster.Broadcast(event, payload, opts)
	if subs := c.subscribers(sessionKey); len(subs) > 0 {
		c.broadcaster.BroadcastTo(subs, event, payload, opts)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
