package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/wiregate/internal/auth"
	"github.com/haasonsaas/wiregate/internal/protocol"
	"github.com/haasonsaas/wiregate/internal/sessions"
)

// registerCoreHandlers installs the built-in method set. External
// handlers register afterwards; name collisions fail startup.
func (s *Server) registerCoreHandlers() error {
	core := map[string]Handler{
		"ping":               s.handlePing,
		"health":             s.handleHealth,
		"presence":           s.handlePresence,
		"system.status":      s.handleSystemStatus,
		"chat.send":          s.handleChatSend,
		"chat.abort":         s.handleChatAbort,
		"chat.history":       s.handleChatHistory,
		"sessions.list":      s.handleSessionsList,
		"channels.list":      s.handleChannelsList,
		"node.list":          s.handleNodeList,
		"node.describe":      s.handleNodeDescribe,
		"node.invoke":        s.handleNodeInvoke,
		"node.invoke.result": s.handleNodeInvokeResult,
		"node.event":         s.handleNodeEvent,
		"node.subscribe":     s.handleNodeSubscribe,
		"node.unsubscribe":   s.handleNodeUnsubscribe,
	}
	for method, h := range core {
		if err := s.dispatcher.Register(method, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handlePing(_ context.Context, _ *Conn, _ json.RawMessage, _ *Deps) (any, *protocol.ErrorShape) {
	return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
}

func (s *Server) handleHealth(_ context.Context, _ *Conn, _ json.RawMessage, _ *Deps) (any, *protocol.ErrorShape) {
	return s.healthSnapshot(), nil
}

func (s *Server) handlePresence(_ context.Context, _ *Conn, _ json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	return map[string]any{"presence": deps.Registry.Presence()}, nil
}

func (s *Server) handleSystemStatus(_ context.Context, _ *Conn, _ json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	cfg := s.config.Current()
	return map[string]any{
		"uptimeMs":       uptimeMs(s.startTime),
		"connections":    deps.Registry.CountByRole(),
		"activeRuns":     deps.Chat.ActiveCount(),
		"pendingInvokes": deps.Nodes.PendingCount(),
		"nodes":          len(deps.Nodes.List()),
		"authMode":       string(auth.ResolveMode(cfg.Gateway.Auth)),
		"methods":        s.dispatcher.Methods(),
	}, nil
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	RunID          string `json:"runId,omitempty"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleChatSend(ctx context.Context, conn *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p chatSendParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "text is required")
	}
	if p.SessionKey == "" {
		p.SessionKey = s.defaultSessionKey()
	}
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}

	if deps.Sessions != nil {
		entry := sessions.Entry{Kind: "user", Payload: mustJSON(map[string]string{
			"runId": p.RunID,
			"text":  p.Text,
			"from":  conn.Identity,
		})}
		if err := deps.Sessions.AppendEvent(ctx, p.SessionKey, entry); err != nil {
			deps.Logger.Warn("session append failed", "session", p.SessionKey, "error", err)
		}
	}

	queued := deps.Chat.Send(p.SessionKey, p.RunID, p.Text)
	status := "started"
	if queued {
		status = "queued"
	}
	return map[string]any{
		"sessionKey": p.SessionKey,
		"runId":      p.RunID,
		"status":     status,
	}, nil
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

func (s *Server) handleChatAbort(_ context.Context, _ *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p chatAbortParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "sessionKey is required")
	}
	aborted := deps.Chat.Abort(p.SessionKey, p.RunID)
	return map[string]any{"aborted": aborted}, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

func (s *Server) handleChatHistory(ctx context.Context, _ *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p chatHistoryParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if deps.Sessions == nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "session store is not configured")
	}
	if p.SessionKey == "" {
		p.SessionKey = s.defaultSessionKey()
	}
	entries, err := deps.Sessions.History(ctx, p.SessionKey, p.Limit)
	if err != nil {
		return nil, protocol.AsErrorShape(err)
	}
	return map[string]any{"sessionKey": p.SessionKey, "entries": entries}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, _ *Conn, _ json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	type keyLister interface {
		SessionKeys() []string
	}
	type ctxKeyLister interface {
		SessionKeys(ctx context.Context) ([]string, error)
	}
	switch store := deps.Sessions.(type) {
	case ctxKeyLister:
		keys, err := store.SessionKeys(ctx)
		if err != nil {
			return nil, protocol.AsErrorShape(err)
		}
		return map[string]any{"sessions": keys}, nil
	case keyLister:
		return map[string]any{"sessions": store.SessionKeys()}, nil
	default:
		return nil, protocol.NewError(protocol.CodeUnavailable, "session store does not support listing")
	}
}

func (s *Server) handleChannelsList(_ context.Context, _ *Conn, _ json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	if deps.Channels == nil {
		return map[string]any{"channels": []string{}}, nil
	}
	return map[string]any{"channels": deps.Channels.Names()}, nil
}

func (s *Server) handleNodeList(_ context.Context, _ *Conn, _ json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	return map[string]any{"nodes": deps.Nodes.List()}, nil
}

type nodeDescribeParams struct {
	NodeID string `json:"nodeId"`
}

func (s *Server) handleNodeDescribe(_ context.Context, _ *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p nodeDescribeParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	session, ok := deps.Nodes.Get(p.NodeID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeNodeDisconnected, "node is not connected")
	}
	return map[string]any{
		"node":          session,
		"subscriptions": deps.Nodes.Subscriptions(p.NodeID),
	}, nil
}

type nodeInvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

func (s *Server) handleNodeInvoke(ctx context.Context, _ *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p nodeInvokeParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if p.NodeID == "" || p.Command == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "nodeId and command are required")
	}
	result, err := deps.Nodes.Invoke(ctx, p.NodeID, p.Command, p.Params, time.Duration(p.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, protocol.AsErrorShape(err)
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return map[string]any{"payload": result.Payload}, nil
}

type nodeInvokeResultParams struct {
	CorrelationID string               `json:"correlationId"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	Error         *protocol.ErrorShape `json:"error,omitempty"`
}

func (s *Server) handleNodeInvokeResult(_ context.Context, _ *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p nodeInvokeResultParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if p.CorrelationID == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "correlationId is required")
	}
	accepted := deps.Nodes.ResolveInvoke(p.CorrelationID, InvokeResult{Payload: p.Payload, Error: p.Error})
	// Late results are acknowledged but ignored: the invocation
	// already resolved by timeout or disconnect.
	return map[string]any{"accepted": accepted}, nil
}

type nodeEventParams struct {
	Event      string          `json:"event"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleNodeEvent(_ context.Context, conn *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p nodeEventParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if p.Event == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "event is required")
	}
	payload := map[string]any{
		"nodeId":  conn.Identity,
		"event":   p.Event,
		"payload": p.Payload,
	}
	if p.SessionKey != "" {
		payload["sessionKey"] = p.SessionKey
	}
	deps.Broadcaster.Broadcast("node.event", payload, BroadcastOpts{DropIfSlow: true})
	return map[string]any{"delivered": true}, nil
}

type nodeSubscriptionParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleNodeSubscribe(_ context.Context, conn *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p nodeSubscriptionParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "sessionKey is required")
	}
	deps.Nodes.Subscribe(conn.Identity, p.SessionKey)
	return map[string]any{"subscriptions": deps.Nodes.Subscriptions(conn.Identity)}, nil
}

func (s *Server) handleNodeUnsubscribe(_ context.Context, conn *Conn, params json.RawMessage, deps *Deps) (any, *protocol.ErrorShape) {
	var p nodeSubscriptionParams
	if shape := decodeParams(params, &p); shape != nil {
		return nil, shape
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.CodeBadRequest, "sessionKey is required")
	}
	deps.Nodes.Unsubscribe(conn.Identity, p.SessionKey)
	return map[string]any{"subscriptions": deps.Nodes.Subscriptions(conn.Identity)}, nil
}
