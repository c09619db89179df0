package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"firestige.xyz/strix/internal/config"
)

const (
	heartbeatInterval = time.Second
	wsBufferSize      = 1024
)

// clientMessage is the vocabulary clients may send.
type clientMessage struct {
	Type string `json:"type"`
}

// controlReply answers ping and stop_listening.
type controlReply struct {
	Type string `json:"type"`
	Ts   string `json:"ts"`
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// newServer builds the gin HTTP server hosting /listening and /health.
func (rt *Router) newServer(cfg config.RouterConfig) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	corsCfg := cors.DefaultConfig()
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	corsCfg.AllowCredentials = !allowAll
	engine.Use(cors.New(corsCfg))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			for _, o := range cfg.AllowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}

	engine.GET("/listening", func(c *gin.Context) {
		rt.handleListening(c, &upgrader)
	})

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"clients":  rt.registry.count(),
			"endpoint": rt.endpoint,
			"ts":       isoNow(),
		})
	})

	return &http.Server{
		Addr:    cfg.Listen,
		Handler: engine,
	}
}

// clientIPFromRequest extracts the listener's address: the leftmost entry
// of the first non-empty forwarding header, else the socket address.
func clientIPFromRequest(r *http.Request) string {
	for _, header := range []string{"X-Forwarded-For", "X-Real-IP", "X-Client-IP"} {
		if v := r.Header.Get(header); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}

// handleListening upgrades the connection and runs the client session.
func (rt *Router) handleListening(c *gin.Context, upgrader *websocket.Upgrader) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	cl := rt.registry.add(conn, clientIPFromRequest(c.Request))

	ctx, cancel := context.WithCancel(rt.runCtx)
	defer cancel()

	// Server heartbeat every second.
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cl.writeJSON(controlReply{Type: "server_heartbeat", Ts: isoNow()}); err != nil {
					rt.registry.remove(cl.id, "heartbeat_failed")
					cancel()
					return
				}
			}
		}
	}()

	// Closing the socket is what unblocks the read loop, so shutdown is
	// observed promptly even on silent clients.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// Read loop: ping/pong and stop_listening.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				rt.registry.remove(cl.id, "shutdown")
			} else {
				rt.registry.remove(cl.id, "read_failed")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			if err := cl.writeJSON(controlReply{Type: "pong", Ts: isoNow()}); err != nil {
				rt.registry.remove(cl.id, "write_failed")
				return
			}
		case "stop_listening":
			_ = cl.writeJSON(controlReply{Type: "stopped", Ts: isoNow()})
			rt.registry.remove(cl.id, "stop_listening")
			return
		}
	}
}
