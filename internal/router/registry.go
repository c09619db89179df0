package router

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"firestige.xyz/strix/internal/metrics"
)

// client is one connected WebSocket listener.
type client struct {
	id     string
	peerIP string
	conn   *websocket.Conn

	// writeMu serializes frames on the socket: the dispatch loop, the
	// heartbeat and the control-reply path all write.
	writeMu sync.Mutex
}

// writeJSON sends one frame with a write deadline.
func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// registry tracks connected clients. The accept path, per-client readers
// and the dispatch loop all mutate it; one mutex serializes them.
type registry struct {
	mu      sync.Mutex
	clients map[string]*client
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*client)}
}

// add registers a new connection and assigns its client id.
func (r *registry) add(conn *websocket.Conn, peerIP string) *client {
	u := uuid.New()
	c := &client{
		id:     hex.EncodeToString(u[:])[:8],
		peerIP: peerIP,
		conn:   conn,
	}

	r.mu.Lock()
	r.clients[c.id] = c
	total := len(r.clients)
	r.mu.Unlock()

	metrics.RouterClients.Set(float64(total))
	slog.Info("client connected", "client_id", c.id, "client_ip", peerIP, "total_clients", total)
	return c
}

// remove drops a client and closes its socket.
func (r *registry) remove(id string, reason string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	total := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = c.conn.Close()
	metrics.RouterClients.Set(float64(total))
	slog.Info("client disconnected", "client_id", id, "reason", reason, "remaining", total)
}

// targets snapshots the delivery set for an event: every client when
// broadcasting, otherwise the clients whose recorded IP matches.
func (r *registry) targets(peerIP string, broadcastAll bool) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		if broadcastAll || c.peerIP == peerIP {
			out = append(out, c)
		}
	}
	return out
}

// all snapshots every client, for heartbeats.
func (r *registry) all() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// count returns the number of connected clients.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
