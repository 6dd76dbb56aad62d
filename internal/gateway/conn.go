package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/wiregate/internal/protocol"
)

// ConnState tracks where a connection is in its lifecycle.
type ConnState int32

const (
	// StateAwaitingConnect means the socket is open but the connect
	// handshake has not completed.
	StateAwaitingConnect ConnState = iota

	// StateAuthenticated means the handshake succeeded and the
	// connection is registered.
	StateAuthenticated

	// StateClosed means the socket is closing or closed.
	StateClosed
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// ClientInfo is the client metadata declared at handshake time.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// Conn is one accepted socket. The read loop runs on the accepting
// goroutine; a dedicated write loop drains the send queue so no caller
// ever blocks on the peer.
type Conn struct {
	// ID is the server-assigned opaque connection id.
	ID string

	// Role and Scopes are set once on successful handshake.
	Role   string
	Scopes []string

	// Identity is the authenticated principal (token subject, proxy
	// user, device id, or "local").
	Identity string

	// AuthMode is the auth mode that admitted the connection.
	AuthMode string

	Client     ClientInfo
	RemoteAddr string
	CreatedAt  time.Time

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	state  atomic.Int32
	closed sync.Once

	// wmu serializes socket writes between the write loop and the close
	// path; the websocket connection permits one writer at a time.
	wmu sync.Mutex

	// buffered counts bytes queued but not yet written to the socket.
	buffered  atomic.Int64
	maxBuffer int64

	// closeCode records the policy close code sent to the peer, for
	// observability.
	closeCode atomic.Int32

	// challenge is the single-use nonce issued via connect.challenge.
	challenge string

	// handshakeTimer force-closes the socket if connect never arrives.
	handshakeTimer *time.Timer

	lastInput atomic.Int64
}

func newConn(ws *websocket.Conn, id string, maxBuffer int64) *Conn {
	c := &Conn{
		ID:         id,
		ws:         ws,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		RemoteAddr: ws.RemoteAddr().String(),
		CreatedAt:  time.Now(),
		maxBuffer:  maxBuffer,
	}
	c.lastInput.Store(time.Now().UnixMilli())
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

// HasScope reports whether the connection holds the scope, or the
// admin scope that satisfies every requirement.
func (c *Conn) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// BufferedBytes returns the outbound bytes queued for this connection.
func (c *Conn) BufferedBytes() int64 { return c.buffered.Load() }

// trySend queues an encoded frame. It reports false when the frame
// would push the connection past its buffer ceiling or the connection
// is closed; it never blocks.
func (c *Conn) trySend(data []byte) bool {
	if c.State() == StateClosed {
		return false
	}
	if c.buffered.Load()+int64(len(data)) > c.maxBuffer {
		return false
	}
	select {
	case c.send <- data:
		c.buffered.Add(int64(len(data)))
		return true
	case <-c.done:
		return false
	default:
		// Queue slots exhausted counts as slow too.
		return false
	}
}

func (c *Conn) sendFrame(f *protocol.Frame) bool {
	data, err := protocol.Encode(f)
	if err != nil {
		return false
	}
	return c.trySend(data)
}

// sendResponse queues a success response for the given request id.
func (c *Conn) sendResponse(id string, payload any) bool {
	return c.sendFrame(protocol.NewResponse(id, payload))
}

// sendErrorResponse queues a failure response for the given request id.
func (c *Conn) sendErrorResponse(id string, shape *protocol.ErrorShape) bool {
	return c.sendFrame(protocol.NewErrorResponse(id, shape))
}

// sendEvent queues an unsequenced direct event (handshake challenge,
// invoke requests). Broadcast traffic goes through the Broadcaster and
// carries sequence numbers.
func (c *Conn) sendEvent(event string, payload any) bool {
	return c.sendFrame(protocol.NewEvent(event, payload))
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.buffered.Add(-int64(len(data)))
			c.wmu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.wmu.Unlock()
			if err != nil {
				c.closeWithCode(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// closeWithCode closes the socket once with a policy close code. Safe
// to call from any goroutine and multiple times.
func (c *Conn) closeWithCode(code int, reason string) {
	c.closed.Do(func() {
		c.setState(StateClosed)
		c.closeCode.Store(int32(code))
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
		}
		msg := websocket.FormatCloseMessage(code, reason)
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)     //nolint:errcheck
		c.wmu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) touchInput() {
	c.lastInput.Store(time.Now().UnixMilli())
}

// LastInputAge returns how long ago the peer last sent a frame.
func (c *Conn) LastInputAge() time.Duration {
	return time.Since(time.UnixMilli(c.lastInput.Load()))
}

// decodeParams unmarshals request params into v, mapping failures to a
// bad-request error shape.
func decodeParams(params json.RawMessage, v any) *protocol.ErrorShape {
	return protocol.DecodeParams(params, v)
}
