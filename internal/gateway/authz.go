package gateway

import (
	"fmt"

	"github.com/haasonsaas/wiregate/internal/protocol"
)

// Scopes granted to operator connections at handshake time.
const (
	ScopeAdmin = "operator.admin"
	ScopeRead  = "operator.read"
	ScopeWrite = "operator.write"
	ScopeNodes = "operator.nodes"
)

// nodeMethods is the fixed allowlist of methods a node-role connection
// may call: result/event reporting plus liveness probes.
var nodeMethods = map[string]struct{}{
	"ping":               {},
	"health":             {},
	"node.invoke.result": {},
	"node.event":         {},
	"node.subscribe":     {},
	"node.unsubscribe":   {},
}

// operatorScopes maps each operator method to its required scope.
// Every method requires one, so an operator holding no scopes is
// authorized for nothing. ScopeAdmin satisfies every requirement.
var operatorScopes = map[string]string{
	"ping":          ScopeRead,
	"health":        ScopeRead,
	"presence":      ScopeRead,
	"chat.send":     ScopeWrite,
	"chat.abort":    ScopeWrite,
	"chat.history":  ScopeRead,
	"sessions.list": ScopeRead,
	"channels.list": ScopeRead,
	"node.list":     ScopeNodes,
	"node.describe": ScopeNodes,
	"node.invoke":   ScopeNodes,
	"system.status": ScopeAdmin,
}

// Authorize maps (method, role, scopes) to allow or deny. It is pure:
// no state, no side effects, and it runs before dispatch for every
// request without exception.
func Authorize(method, role string, scopes []string) *protocol.ErrorShape {
	switch role {
	case protocol.RoleNode:
		if _, ok := nodeMethods[method]; ok {
			return nil
		}
		return &protocol.ErrorShape{
			Code:    protocol.CodeAuthzDenied,
			Message: fmt.Sprintf("method %q is not available to nodes", method),
		}
	case protocol.RoleOperator:
		required, known := operatorScopes[method]
		if !known {
			// Externally registered methods default to write scope.
			required = ScopeWrite
		}
		for _, s := range scopes {
			if s == required || s == ScopeAdmin {
				return nil
			}
		}
		return &protocol.ErrorShape{
			Code:    protocol.CodeAuthzDenied,
			Message: fmt.Sprintf("method %q requires scope %q", method, required),
		}
	default:
		return &protocol.ErrorShape{
			Code:    protocol.CodeAuthzDenied,
			Message: fmt.Sprintf("unknown role %q", role),
		}
	}
}
