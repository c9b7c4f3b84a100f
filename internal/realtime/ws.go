package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// AccessLevel is the read/write level computed for a connection, which a
// `?access=` query parameter may only narrow, never widen (spec §4.H
// "write requested above the computed level closes the socket with code
// 4403").
type AccessLevel int

const (
	AccessRead AccessLevel = iota
	AccessWrite
)

// CloseWriteNotAllowed is the non-standard close code for an access
// escalation attempt (spec §4.H "closes the socket with code 4403").
const CloseWriteNotAllowed websocket.StatusCode = 4403

// ParseAccessOverride reads the `?access=` query parameter, returning
// the narrower of computed and the requested override.
func ParseAccessOverride(r *http.Request, computed AccessLevel) (AccessLevel, bool) {
	v := r.URL.Query().Get("access")
	switch v {
	case "read":
		return AccessRead, true
	case "write":
		if computed < AccessWrite {
			return AccessWrite, false // signals caller to reject (escalation)
		}
		return AccessWrite, true
	default:
		return computed, true
	}
}

// Conn wraps one accepted WebSocket with the read-loop/write-loop pair
// of spec §5.4 ("Two tasks per connection: read-loop and write-loop
// coupled by a bounded channel; slow consumer triggers disconnect").
type Conn struct {
	ws     *websocket.Conn
	outbox chan Message
	done   chan struct{}
}

const outboxBuffer = 32

// NewConn wraps ws with an outbox of bounded capacity.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, outbox: make(chan Message, outboxBuffer), done: make(chan struct{})}
}

// Send enqueues msg for the write loop. If the outbox is full the
// connection is considered a slow consumer and is closed rather than
// backpressuring the publisher.
func (c *Conn) Send(msg Message) {
	select {
	case c.outbox <- msg:
	default:
		c.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// Close closes the underlying socket and unblocks both loops.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	_ = c.ws.Close(code, reason)
}

// WriteLoop drains the outbox to the socket as text-JSON frames until
// the connection closes. Binary CRDT frames bypass this loop via
// WriteBinary.
func (c *Conn) WriteLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg, ok := <-c.outbox:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.ws.Write(writeCtx, websocket.MessageText, b)
			cancel()
			if err != nil {
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// WriteBinary sends a raw binary frame, used by the CRDT protocol for
// Yjs sync/awareness messages (spec §4.H "/ws/crdt/<doc_id> — binary
// Yjs sync/awareness messages").
func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageBinary, data)
}

// ReadLoop reads frames until the connection closes, dispatching each to
// handler. handler receives the message type and raw bytes so CRDT's
// binary frames and bus/rtdb's text-JSON frames share one loop shape.
func (c *Conn) ReadLoop(ctx context.Context, handler func(websocket.MessageType, []byte)) {
	defer c.Close(websocket.StatusNormalClosure, "")
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		handler(typ, data)
	}
}

// BusCommand is a decoded /ws/bus control-channel frame (spec §4.H
// "commands subscribe, unsubscribe, publish, plus ack envelopes").
type BusCommand struct {
	Cmd   string          `json:"cmd"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseBusCommand decodes a /ws/bus text frame.
func ParseBusCommand(data []byte) (BusCommand, error) {
	var cmd BusCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return BusCommand{}, fmt.Errorf("decoding bus command: %w", err)
	}
	return cmd, nil
}

// Yjs sync/awareness message tags (spec §4.H "MSG_SYNC=0,
// MSG_AWARENESS=1").
const (
	MsgSync      byte = 0
	MsgAwareness byte = 1
)

// RoutePath inspects r.URL.Path and returns the protocol and resource id
// for the three URL-distinguished WS endpoints (spec §4.H).
func RoutePath(path string) (protocol, resourceID string, ok bool) {
	switch {
	case path == "/ws/bus":
		return "bus", "", true
	case strings.HasPrefix(path, "/ws/rtdb/"):
		return "rtdb", strings.TrimPrefix(path, "/ws/rtdb/"), true
	case strings.HasPrefix(path, "/ws/crdt/"):
		return "crdt", strings.TrimPrefix(path, "/ws/crdt/"), true
	default:
		return "", "", false
	}
}
