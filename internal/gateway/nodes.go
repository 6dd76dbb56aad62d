package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/wiregate/internal/observability"
	"github.com/haasonsaas/wiregate/internal/pending"
	"github.com/haasonsaas/wiregate/internal/protocol"
)

// NodeSession is the registry's view of one connected node device.
type NodeSession struct {
	NodeID       string   `json:"nodeId"`
	ConnID       string   `json:"connId"`
	Capabilities []string `json:"capabilities,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	ConnectedAt  int64    `json:"connectedAt"`
}

// InvokeResult is what a node invocation resolves to.
type InvokeResult struct {
	Payload json.RawMessage      `json:"payload,omitempty"`
	Error   *protocol.ErrorShape `json:"error,omitempty"`
}

// NodeRegistry tracks connected node devices, their pending
// invocations and their session subscriptions. A node that disconnects
// has all of its pending invocations rejected immediately; none are
// left dangling.
type NodeRegistry struct {
	mu         sync.RWMutex
	byNode     map[string]*nodeEntry
	byConn     map[string]string // conn id -> node id
	subsByNode map[string]map[string]struct{}
	subsByKey  map[string]map[string]struct{}

	invokes *pending.Registry[InvokeResult]
	logger  *slog.Logger
	metrics *observability.Metrics

	defaultTimeout time.Duration
}

type nodeEntry struct {
	session NodeSession
	conn    *Conn
}

// NewNodeRegistry creates an empty node registry.
func NewNodeRegistry(logger *slog.Logger, metrics *observability.Metrics, defaultTimeout time.Duration) *NodeRegistry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &NodeRegistry{
		byNode:         make(map[string]*nodeEntry),
		byConn:         make(map[string]string),
		subsByNode:     make(map[string]map[string]struct{}),
		subsByKey:      make(map[string]map[string]struct{}),
		invokes:        pending.NewRegistry[InvokeResult](),
		logger:         logger.With("component", "nodes"),
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a node session for an authenticated node connection.
// A reconnecting node supersedes its previous connection.
func (n *NodeRegistry) Register(conn *Conn, desc *protocol.NodeDescriber) NodeSession {
	session := NodeSession{
		NodeID:      conn.Identity,
		ConnID:      conn.ID,
		ConnectedAt: time.Now().UnixMilli(),
	}
	if desc != nil {
		session.Capabilities = desc.Capabilities
		session.Commands = desc.Commands
		session.Permissions = desc.Permissions
	}

	n.mu.Lock()
	var superseded *Conn
	if prev, ok := n.byNode[session.NodeID]; ok && prev.conn != nil && prev.conn.ID != conn.ID {
		superseded = prev.conn
		delete(n.byConn, prev.conn.ID)
	}
	n.byNode[session.NodeID] = &nodeEntry{session: session, conn: conn}
	n.byConn[conn.ID] = session.NodeID
	n.mu.Unlock()

	if superseded != nil {
		n.logger.Info("node reconnected, superseding previous connection",
			"node_id", session.NodeID, "old_conn", superseded.ID, "new_conn", conn.ID)
		superseded.closeWithCode(protocol.CloseSuperseded, "superseded by newer connection")
		// Invocations in flight on the old socket can never be answered;
		// reject them now rather than letting them ride out the timeout.
		n.rejectPending(superseded.ID, session.NodeID)
	}
	return session
}

// Unregister removes the node bound to a closing connection and
// rejects all of its pending invocations. Returns the node id, if any.
func (n *NodeRegistry) Unregister(connID string) (string, bool) {
	n.mu.Lock()
	nodeID, ok := n.byConn[connID]
	if !ok {
		n.mu.Unlock()
		// A superseding registration may have unmapped the connection
		// already; its invocations still need rejecting.
		n.rejectPending(connID, "")
		return "", false
	}
	delete(n.byConn, connID)
	// Only drop the node entry if this connection still owns it; a
	// superseding registration may have replaced it already.
	if entry, present := n.byNode[nodeID]; present && entry.session.ConnID == connID {
		delete(n.byNode, nodeID)
		for key := range n.subsByNode[nodeID] {
			delete(n.subsByKey[key], nodeID)
			if len(n.subsByKey[key]) == 0 {
				delete(n.subsByKey, key)
			}
		}
		delete(n.subsByNode, nodeID)
	}
	n.mu.Unlock()

	n.rejectPending(connID, nodeID)
	return nodeID, true
}

// rejectPending fails every invocation owned by the connection with a
// disconnect error.
func (n *NodeRegistry) rejectPending(connID, nodeID string) {
	rejected := n.invokes.FailOwner(connID, &protocol.ErrorShape{
		Code:    protocol.CodeNodeDisconnected,
		Message: "node disconnected before responding",
	})
	if rejected > 0 {
		n.logger.Info("rejected pending invocations on disconnect",
			"node_id", nodeID, "conn_id", connID, "count", rejected)
	}
}

// Get returns the session for a node id.
func (n *NodeRegistry) Get(nodeID string) (NodeSession, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	entry, ok := n.byNode[nodeID]
	if !ok {
		return NodeSession{}, false
	}
	return entry.session, true
}

// List returns all node sessions, sorted by node id.
func (n *NodeRegistry) List() []NodeSession {
	n.mu.RLock()
	out := make([]NodeSession, 0, len(n.byNode))
	for _, entry := range n.byNode {
		out = append(out, entry.session)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Invoke sends a command to a node and waits for the correlated
// result. Exactly one of three paths resolves the wait: a matching
// node.invoke.result frame, the timeout, or the node disconnecting.
func (n *NodeRegistry) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration) (InvokeResult, error) {
	if timeout <= 0 {
		timeout = n.defaultTimeout
	}

	n.mu.RLock()
	entry, ok := n.byNode[nodeID]
	n.mu.RUnlock()
	if !ok {
		return InvokeResult{}, &protocol.ErrorShape{
			Code:    protocol.CodeNodeDisconnected,
			Message: "node is not connected",
		}
	}

	// Ownership is keyed by connection id, not node id: a superseding
	// reconnect must not inherit waits bound to the old socket.
	correlationID := uuid.NewString()
	future := n.invokes.Add(correlationID, entry.session.ConnID, timeout, &protocol.ErrorShape{
		Code:         protocol.CodeInvokeTimeout,
		Message:      "node did not respond in time",
		Retryable:    true,
		RetryAfterMs: timeout.Milliseconds(),
	})

	start := time.Now()
	sent := entry.conn.sendEvent("node.invoke.request", map[string]any{
		"correlationId": correlationID,
		"nodeId":        nodeID,
		"command":       command,
		"params":        params,
		"timeoutMs":     timeout.Milliseconds(),
	})
	if !sent {
		n.invokes.Fail(correlationID, &protocol.ErrorShape{
			Code:    protocol.CodeNodeDisconnected,
			Message: "node connection cannot accept the request",
		})
	}

	var out pending.Outcome[InvokeResult]
	select {
	case out = <-future.Done():
	case <-ctx.Done():
		// The caller gave up; resolve the entry so the late result is
		// dropped instead of leaking.
		n.invokes.Fail(correlationID, ctx.Err())
		out = <-future.Done()
	}

	if n.metrics != nil {
		outcome := "ok"
		if out.Err != nil {
			outcome = invokeOutcome(out.Err)
		}
		n.metrics.NodeInvokeCounter.WithLabelValues(outcome).Inc()
		n.metrics.NodeInvokeDuration.Observe(time.Since(start).Seconds())
	}
	if out.Err != nil {
		return InvokeResult{}, out.Err
	}
	return out.Value, nil
}

// ResolveInvoke completes a pending invocation with a node-supplied
// result. Late or unknown correlation ids are ignored.
func (n *NodeRegistry) ResolveInvoke(correlationID string, result InvokeResult) bool {
	return n.invokes.Resolve(correlationID, result)
}

// PendingCount returns the number of outstanding invocations.
func (n *NodeRegistry) PendingCount() int { return n.invokes.Len() }

// Subscribe adds a node to a session key's fan-out set.
func (n *NodeRegistry) Subscribe(nodeID, sessionKey string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.byNode[nodeID]; !ok {
		return
	}
	if n.subsByNode[nodeID] == nil {
		n.subsByNode[nodeID] = make(map[string]struct{})
	}
	n.subsByNode[nodeID][sessionKey] = struct{}{}
	if n.subsByKey[sessionKey] == nil {
		n.subsByKey[sessionKey] = make(map[string]struct{})
	}
	n.subsByKey[sessionKey][nodeID] = struct{}{}
}

// Unsubscribe removes a node from a session key's fan-out set.
func (n *NodeRegistry) Unsubscribe(nodeID, sessionKey string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subsByNode[nodeID], sessionKey)
	if len(n.subsByNode[nodeID]) == 0 {
		delete(n.subsByNode, nodeID)
	}
	delete(n.subsByKey[sessionKey], nodeID)
	if len(n.subsByKey[sessionKey]) == 0 {
		delete(n.subsByKey, sessionKey)
	}
}

// SubscriberConns resolves the connection ids of nodes subscribed to a
// session key.
func (n *NodeRegistry) SubscriberConns(sessionKey string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nodes := n.subsByKey[sessionKey]
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for nodeID := range nodes {
		if entry, ok := n.byNode[nodeID]; ok {
			out = append(out, entry.session.ConnID)
		}
	}
	sort.Strings(out)
	return out
}

func invokeOutcome(err error) string {
	switch shape := protocol.AsErrorShape(err); shape.Code {
	case protocol.CodeInvokeTimeout:
		return "timeout"
	case protocol.CodeNodeDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

// Subscriptions lists the session keys a node is subscribed to.
func (n *NodeRegistry) Subscriptions(nodeID string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]string, 0, len(n.subsByNode[nodeID]))
	for key := range n.subsByNode[nodeID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
