package gateway

import (
	"testing"

	"github.com/haasonsaas/wiregate/internal/protocol"
)

func TestAuthorizeNodeAllowlist(t *testing.T) {
	allowed := []string{"ping", "health", "node.invoke.result", "node.event", "node.subscribe", "node.unsubscribe"}
	for _, method := range allowed {
		if shape := Authorize(method, protocol.RoleNode, nil); shape != nil {
			t.Errorf("Authorize(%q, node) = %v, want allow", method, shape)
		}
	}
	denied := []string{"chat.send", "node.invoke", "node.list", "presence", "system.status"}
	for _, method := range denied {
		shape := Authorize(method, protocol.RoleNode, nil)
		if shape == nil {
			t.Errorf("Authorize(%q, node) allowed, want deny", method)
			continue
		}
		if shape.Code != protocol.CodeAuthzDenied {
			t.Errorf("Authorize(%q, node) code = %q", method, shape.Code)
		}
	}
}

func TestAuthorizeOperatorScopes(t *testing.T) {
	cases := []struct {
		method string
		scopes []string
		allow  bool
	}{
		// An operator with no scopes is authorized for nothing, liveness
		// probes included.
		{"ping", nil, false},
		{"health", nil, false},
		{"ping", []string{ScopeRead}, true},
		{"health", []string{ScopeRead}, true},
		{"chat.send", []string{ScopeWrite}, true},
		{"chat.send", []string{ScopeRead}, false},
		{"chat.send", nil, false},
		{"chat.history", []string{ScopeRead}, true},
		{"presence", []string{ScopeRead}, true},
		{"presence", []string{ScopeWrite}, false},
		{"node.invoke", []string{ScopeNodes}, true},
		{"node.invoke", []string{ScopeWrite}, false},
		{"system.status", []string{ScopeRead, ScopeWrite, ScopeNodes}, false},
		{"system.status", []string{ScopeAdmin}, true},
		// Unknown external methods default to write scope.
		{"plugin.custom", []string{ScopeWrite}, true},
		{"plugin.custom", []string{ScopeRead}, false},
	}
	for _, tc := range cases {
		shape := Authorize(tc.method, protocol.RoleOperator, tc.scopes)
		if tc.allow && shape != nil {
			t.Errorf("Authorize(%q, operator, %v) = %v, want allow", tc.method, tc.scopes, shape)
		}
		if !tc.allow && shape == nil {
			t.Errorf("Authorize(%q, operator, %v) allowed, want deny", tc.method, tc.scopes)
		}
	}
}

func TestAuthorizeAdminSatisfiesEverything(t *testing.T) {
	for _, method := range []string{"chat.send", "chat.history", "presence", "node.invoke", "system.status", "plugin.custom"} {
		if shape := Authorize(method, protocol.RoleOperator, []string{ScopeAdmin}); shape != nil {
			t.Errorf("Authorize(%q, admin) = %v, want allow", method, shape)
		}
	}
}

func TestAuthorizeUnknownRole(t *testing.T) {
	if shape := Authorize("ping", "ghost", nil); shape == nil || shape.Code != protocol.CodeAuthzDenied {
		t.Fatalf("Authorize with unknown role = %v, want AuthzDenied", shape)
	}
}

func TestAuthorizeIsPure(t *testing.T) {
	scopes := []string{ScopeRead}
	first := Authorize("chat.send", protocol.RoleOperator, scopes)
	second := Authorize("chat.send", protocol.RoleOperator, scopes)
	if (first == nil) != (second == nil) {
		t.Fatal("Authorize returned different outcomes for identical inputs")
	}
	if first.Code != second.Code || first.Message != second.Message {
		t.Fatal("Authorize returned different shapes for identical inputs")
	}
	if scopes[0] != ScopeRead {
		t.Fatal("Authorize mutated its input")
	}
}
