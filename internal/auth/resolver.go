// Package auth decides whether a gateway handshake is admitted, and under
// which authentication mode.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/wiregate/internal/identity"
	"github.com/haasonsaas/wiregate/internal/protocol"
	"github.com/haasonsaas/wiregate/internal/ratelimit"
)

// Mode is the active authentication mode for a connection attempt.
type Mode string

const (
	ModeNone         Mode = "none"
	ModeToken        Mode = "token"
	ModePassword     Mode = "password"
	ModeTrustedProxy Mode = "trusted-proxy"
	ModeDevice       Mode = "device"
)

// Config is the authentication section of the gateway configuration.
type Config struct {
	// Mode selects the configured mode: "none", "token", "password" or
	// "trusted-proxy". Empty defaults to "none".
	Mode string `yaml:"mode"`

	// Token is the shared secret for token mode. A JWT signed with this
	// secret is accepted as well.
	Token string `yaml:"token"`

	// Password is the shared secret for password mode.
	Password string `yaml:"password"`

	// TrustedProxies lists proxy addresses (IPs or CIDRs) allowed to
	// assert identities via the identity header.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// IdentityHeader is the header a trusted proxy uses to assert the
	// caller identity. Defaults to X-Forwarded-User.
	IdentityHeader string `yaml:"identity_header"`

	// AllowedUsers restricts trusted-proxy identities. Empty allows any
	// asserted identity.
	AllowedUsers []string `yaml:"allowed_users"`
}

// ResolveMode returns the configured authentication mode.
func ResolveMode(cfg Config) Mode {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "token":
		return ModeToken
	case "password":
		return ModePassword
	case "trusted-proxy":
		return ModeTrustedProxy
	default:
		return ModeNone
	}
}

// ConnectRequest carries everything the resolver needs about one attempt.
type ConnectRequest struct {
	// Params is the validated connect payload.
	Params *protocol.ConnectParams

	// RemoteAddr is the socket's remote host:port.
	RemoteAddr string

	// Host is the HTTP Host header from the upgrade request.
	Host string

	// Header holds the upgrade request headers.
	Header http.Header

	// QueryHasSecret is set when the upgrade URL carried a token or
	// password query parameter. Such attempts are rejected outright.
	QueryHasSecret bool

	// Nonce is the single-use challenge issued on this connection.
	Nonce string
}

// Result is the outcome of an authorization attempt.
type Result struct {
	OK         bool
	Mode       Mode
	Identity   string
	Reason     string
	Retryable  bool
	RetryAfter time.Duration
}

// Resolver implements the handshake decision ladder.
type Resolver struct {
	limiter *ratelimit.Limiter
	devices identity.Store
	logger  *slog.Logger
}

// NewResolver creates an auth resolver.
func NewResolver(limiter *ratelimit.Limiter, devices identity.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		limiter: limiter,
		devices: devices,
		logger:  logger.With("component", "auth"),
	}
}

// AuthorizeConnect runs the decision ladder, returning on the first
// definitive match. Every rejection increments the rate limiter for the
// (scope, address) pair; every success resets it.
func (r *Resolver) AuthorizeConnect(ctx context.Context, req ConnectRequest, cfg Config) Result {
	scope := protocol.RoleOperator
	if req.Params != nil && req.Params.Role == protocol.RoleNode {
		scope = protocol.RoleNode
	}

	if d := r.limiter.Check(req.RemoteAddr, scope); d.Blocked {
		return Result{
			OK:         false,
			Reason:     "rate limited",
			Retryable:  true,
			RetryAfter: d.RetryAfter,
		}
	}

	result := r.decide(ctx, req, cfg)
	if result.OK {
		r.limiter.Reset(req.RemoteAddr, scope)
	} else {
		r.limiter.RecordFailure(req.RemoteAddr, scope)
		r.logger.Warn("connect rejected",
			"remote_addr", req.RemoteAddr,
			"scope", scope,
			"reason", result.Reason,
		)
	}
	return result
}

func (r *Resolver) decide(ctx context.Context, req ConnectRequest, cfg Config) Result {
	mode := ResolveMode(cfg)

	// 1. Local direct callers are admitted unconditionally, but only when
	// no untrusted source injected forwarding headers.
	if isLocalDirect(req.RemoteAddr, req.Host) && !hasUntrustedForwarding(req, cfg) {
		return Result{OK: true, Mode: ModeNone, Identity: "local"}
	}

	// 2. Trusted reverse proxy.
	if mode == ModeTrustedProxy {
		if !addrInList(req.RemoteAddr, cfg.TrustedProxies) {
			return Result{Reason: "caller is not a trusted proxy"}
		}
		header := cfg.IdentityHeader
		if header == "" {
			header = "X-Forwarded-User"
		}
		user := strings.TrimSpace(req.Header.Get(header))
		if user == "" {
			return Result{Reason: "identity header missing"}
		}
		if len(cfg.AllowedUsers) > 0 && !containsFold(cfg.AllowedUsers, user) {
			return Result{Reason: "identity not allowed"}
		}
		return Result{OK: true, Mode: ModeTrustedProxy, Identity: user}
	}

	// 3. Signed device identity.
	if req.Params != nil && req.Params.Device != nil {
		return r.verifyDevice(ctx, req.Params.Device, req.Nonce)
	}

	// 4. Shared secret.
	if mode == ModeToken || mode == ModePassword {
		if req.QueryHasSecret {
			// Never accept secrets via URL query, correct or not.
			return Result{Reason: "credentials must not be passed in the URL"}
		}
		if req.Params == nil || req.Params.Auth == nil {
			return Result{Reason: "credentials required", Retryable: true}
		}
		if mode == ModeToken {
			supplied := req.Params.Auth.Token
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(cfg.Token)) == 1 {
				return Result{OK: true, Mode: ModeToken, Identity: clientIdentity(req.Params)}
			}
			if subject, err := validateJWT(cfg.Token, supplied); err == nil {
				return Result{OK: true, Mode: ModeToken, Identity: subject}
			}
			return Result{Reason: "invalid token", Retryable: true}
		}
		if subtle.ConstantTimeCompare([]byte(req.Params.Auth.Password), []byte(cfg.Password)) == 1 {
			return Result{OK: true, Mode: ModePassword, Identity: clientIdentity(req.Params)}
		}
		return Result{Reason: "invalid password", Retryable: true}
	}

	// 5. Nothing matched.
	return Result{Reason: "unauthorized"}
}

func clientIdentity(params *protocol.ConnectParams) string {
	if params == nil || params.Client.ID == "" {
		return "client"
	}
	return params.Client.ID
}

// isLocalDirect reports whether the caller reached us over loopback
// without traversing a proxy, judged by the remote IP and Host header.
func isLocalDirect(remoteAddr, host string) bool {
	ipStr := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ipStr = h
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	if host == "" {
		return true
	}
	hostName := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostName = h
	}
	switch strings.ToLower(hostName) {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	hostIP := net.ParseIP(strings.Trim(hostName, "[]"))
	return hostIP != nil && hostIP.IsLoopback()
}

// hasUntrustedForwarding reports whether forwarding headers are present
// from a source outside the trusted-proxy list.
func hasUntrustedForwarding(req ConnectRequest, cfg Config) bool {
	forwarded := req.Header.Get("X-Forwarded-For") != "" ||
		req.Header.Get("X-Real-Ip") != "" ||
		req.Header.Get("Forwarded") != ""
	if !forwarded {
		return false
	}
	return !addrInList(req.RemoteAddr, cfg.TrustedProxies)
}

func addrInList(remoteAddr string, entries []string) bool {
	ipStr := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ipStr = h
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if entryIP := net.ParseIP(entry); entryIP != nil && entryIP.Equal(ip) {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}
