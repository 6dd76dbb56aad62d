package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/wiregate/internal/cache"
	"github.com/haasonsaas/wiregate/internal/channels"
	"github.com/haasonsaas/wiregate/internal/protocol"
	"github.com/haasonsaas/wiregate/internal/sessions"
)

// Deps exposes the server's collaborators to method handlers. Handlers
// receive it explicitly; there is no ambient registry.
type Deps struct {
	Broadcaster *Broadcaster
	Registry    *Registry
	Chat        *ChatRuns
	Nodes       *NodeRegistry
	Sessions    sessions.Store
	Channels    *channels.Registry
	Dedupe      *cache.DedupeCache
	Logger      *slog.Logger
}

// Handler processes one authorized request. It returns the response
// payload or an error shape; the dispatcher wraps either into a
// response frame.
type Handler func(ctx context.Context, conn *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape)

// Dispatcher routes authorized requests to registered handlers.
// Registration is two-phase: core handlers first, external handlers
// second. Collisions fail at registration time; shadowing a core
// handler requires an explicit RegisterOverride.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	deps     *Deps
}

// NewDispatcher creates a dispatcher bound to the given collaborators.
func NewDispatcher(deps *Deps) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		deps:     deps,
	}
}

// Register adds a handler. Registering a name twice is an error so
// collisions surface at startup instead of silently shadowing.
func (d *Dispatcher) Register(method string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if method == "" || h == nil {
		return fmt.Errorf("register: method and handler are required")
	}
	if _, exists := d.handlers[method]; exists {
		return fmt.Errorf("register: method %q already registered", method)
	}
	d.handlers[method] = h
	return nil
}

// RegisterOverride replaces an existing handler. The method must
// already exist; overriding an unknown method is a registration error
// too, so typos fail fast.
func (d *Dispatcher) RegisterOverride(method string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[method]; !exists {
		return fmt.Errorf("override: method %q is not registered", method)
	}
	d.handlers[method] = h
	return nil
}

// Methods lists the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the authorization check and the handler for one
// request frame and returns the response frame. It never panics the
// connection loop: handler errors become error responses.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, frame *protocol.Frame) *protocol.Frame {
	if shape := Authorize(frame.Method, conn.Role, conn.Scopes); shape != nil {
		return protocol.NewErrorResponse(frame.ID, shape)
	}

	d.mu.RLock()
	h, ok := d.handlers[frame.Method]
	d.mu.RUnlock()
	if !ok {
		return protocol.NewErrorResponse(frame.ID, &protocol.ErrorShape{
			Code:    protocol.CodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", frame.Method),
		})
	}

	if dup, payload := d.checkDedupe(conn, frame); dup {
		return protocol.NewResponse(frame.ID, payload)
	}

	payload, shape := h(ctx, conn, frame.Params, d.deps)
	if shape != nil {
		return protocol.NewErrorResponse(frame.ID, shape)
	}
	return protocol.NewResponse(frame.ID, payload)
}

// checkDedupe consults the dedupe cache when the request carries an
// idempotency key. Duplicates short-circuit with a marker payload
// instead of re-running the side effect.
func (d *Dispatcher) checkDedupe(conn *Conn, frame *protocol.Frame) (bool, any) {
	if d.deps == nil || d.deps.Dedupe == nil {
		return false, nil
	}
	var probe struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if len(frame.Params) == 0 || json.Unmarshal(frame.Params, &probe) != nil {
		return false, nil
	}
	fp := cache.RequestFingerprint(conn.ID, frame.Method, probe.IdempotencyKey)
	if fp == "" {
		return false, nil
	}
	if d.deps.Dedupe.Seen(fp) {
		return true, map[string]any{"status": "duplicate"}
	}
	return false, nil
}
