package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/beadboard/registry"
	"github.com/whisper-darkly/beadboard/store"
	"github.com/whisper-darkly/beadboard/tracker"
)

// Hub owns all live connections and routes their frames.  Handlers hold a
// reference to it for fan-out; its lifetime is the daemon's lifetime.
type Hub struct {
	cli       *tracker.CLI
	reg       *registry.Registry
	ref       *registry.Refresher
	st        store.Store // may be nil
	heartbeat time.Duration

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	upgrader websocket.Upgrader
}

// New creates a Hub.  st may be nil to disable the activity journal.
func New(cli *tracker.CLI, reg *registry.Registry, ref *registry.Refresher, st store.Store, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	h := &Hub{
		cli:       cli,
		reg:       reg,
		ref:       ref,
		st:        st,
		heartbeat: heartbeat,
		conns:     make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds to loopback; cross-origin browser pages on
			// the same host are the expected clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	ref.SetJournal(h.journalRefresh)
	return h
}

// HandleWS upgrades an HTTP request to the duplex channel and runs the
// connection until it dies.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade: %v", err)
		return
	}

	c := newConn(h, ws)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("server: client connected (%d active)", h.ConnCount())

	go c.writePump()
	c.readPump()
}

// drop tears down a connection exactly once: removes it from the hub,
// detaches all of its subscriptions, and closes the socket.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	if present {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	if !present {
		return
	}

	close(c.done)
	_ = c.ws.Close()
	h.reg.OnDisconnect(c)
	log.Printf("server: client disconnected (%d active)", h.ConnCount())
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// connSnapshot copies the live connection set for fan-out iteration.
func (h *Hub) connSnapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// record writes to the activity journal; a nil store is a no-op and journal
// failures never propagate into the request path.
func (h *Hub) record(kind store.Kind, subject, detail string, ok bool) {
	if h.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.st.Record(ctx, kind, subject, detail, ok); err != nil {
		log.Printf("server: journal %s %s: %v", kind, subject, err)
	}
}

func (h *Hub) journalRefresh(key string, d registry.Delta) {
	h.record(store.KindRefresh, key,
		fmt.Sprintf("added=%d updated=%d removed=%d", len(d.Added), len(d.Updated), len(d.Removed)),
		true)
}
