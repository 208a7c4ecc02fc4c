package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait caps a single frame write.
	writeWait = 10 * time.Second

	// sendQueueSize bounds the per-connection send queue.  A full queue
	// means a slow consumer; the connection is dropped rather than letting
	// one client stall the publishers.
	sendQueueSize = 256
)

// Conn is one client connection.  It owns the websocket, a Session, and a
// bounded send queue drained by a single writer goroutine, so frames are
// delivered in enqueue order and all writes are serialised.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	sess *Session

	send chan []byte
	done chan struct{}
}

func newConn(hub *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:  hub,
		ws:   ws,
		sess: newSession(),
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// SendEvent implements registry.Subscriber.  It never blocks: delivery is
// best-effort through the send queue, and a failure affects only this
// connection.
func (c *Conn) SendEvent(eventType string, payload any) {
	c.sendFrame(okFrame(eventID(), eventType, payload))
}

func (c *Conn) sendFrame(f outFrame) {
	raw, err := json.Marshal(f)
	if err != nil {
		log.Printf("server: marshal %s frame: %v", f.Type, err)
		return
	}
	c.enqueue(raw)
}

func (c *Conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		// Slow consumer: drop the connection, not the publisher.
		log.Printf("server: send queue full, dropping connection")
		c.close()
	}
}

// readPump reads frames and dispatches them until the connection dies.
// Runs on the connection's own goroutine; returns on error or close.
func (c *Conn) readPump() {
	defer c.close()

	// A peer that misses a pong for a full heartbeat interval beyond the
	// ping is considered dead.
	pongWait := 2 * c.hub.heartbeat
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.hub.dispatch(c, raw)
	}
}

// writePump drains the send queue and emits heartbeat pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears the connection down exactly once: the socket is closed, the
// session's subscriptions are detached, and the hub forgets the connection.
func (c *Conn) close() {
	c.hub.drop(c)
}
