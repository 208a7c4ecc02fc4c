// Package client provides a WebSocket client for the beadboard daemon.
// It drives the request/reply protocol with pending-map correlation and
// exposes server events on a channel.  The daemon's own tests use it;
// it is also the basis for any Go-side tooling against a running daemon.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a server-initiated frame (list-delta, issues-changed).
type Event struct {
	Type    string
	Payload json.RawMessage
}

// APIError is an ok:false reply.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// inbound is the superset of all frames sent by the daemon.
type inbound struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *APIError       `json:"error"`
}

// Client is a connected daemon client.  All writes are serialised; replies
// are matched to requests by correlation id.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending sync.Map // correlation id → chan inbound
	idSeq   atomic.Int64

	// Events receives server-initiated frames.  The read loop drops events
	// when the channel is full, so consumers should drain it promptly.
	Events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the daemon's WebSocket endpoint and starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:   conn,
		Events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down and fails all in-flight requests.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.pending.Range(func(k, v any) bool {
			close(v.(chan inbound))
			c.pending.Delete(k)
			return true
		})
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if ch, ok := c.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan inbound) <- msg
			continue
		}
		select {
		case c.Events <- Event{Type: msg.Type, Payload: msg.Payload}:
		default:
		}
	}
}

func (c *Client) nextID() string {
	return fmt.Sprintf("r%d", c.idSeq.Add(1))
}

// Request sends one request frame and waits for its reply.  A failed reply
// surfaces as *APIError.
func (c *Client) Request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	id := c.nextID()
	ch := make(chan inbound, 1)
	c.pending.Store(id, ch)

	frame := map[string]any{"id": id, "type": typ}
	if payload != nil {
		frame["payload"] = payload
	}
	if err := c.send(frame); err != nil {
		c.pending.Delete(id)
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed awaiting %s reply", typ)
		}
		if !msg.OK {
			if msg.Error != nil {
				return nil, msg.Error
			}
			return nil, fmt.Errorf("%s request failed", typ)
		}
		return msg.Payload, nil
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		c.pending.Delete(id)
		return nil, fmt.Errorf("timeout waiting for %s reply", typ)
	}
}

// NextEvent waits for the next server event of the given type, discarding
// others.  Helper for tests and simple tools.
func (c *Client) NextEvent(ctx context.Context, typ string) (Event, error) {
	for {
		select {
		case ev := <-c.Events:
			if typ == "" || ev.Type == typ {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-c.done:
			return Event{}, fmt.Errorf("connection closed")
		}
	}
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}
