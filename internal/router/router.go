package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/event"
	"firestige.xyz/strix/internal/metrics"
)

// fairnessTick bounds how long a held event can sit unnoticed after the
// stream goes quiet.
const fairnessTick = 50 * time.Millisecond

// EventSource is the upstream subscription hop.
type EventSource interface {
	Fetch(ctx context.Context) (event.ASREvent, error)
}

// Router is the event ordering and fan-out component.
type Router struct {
	cfg      config.RouterConfig
	source   EventSource
	registry *registry
	reorder  *reorderer
	endpoint string // subscription endpoint, reported by /health

	runCtx context.Context
}

// New wires the router.
func New(cfg config.RouterConfig, source EventSource, endpoint string) *Router {
	return &Router{
		cfg:      cfg,
		source:   source,
		registry: newRegistry(),
		reorder:  newReorderer(time.Duration(cfg.MaxDelay * float64(time.Second))),
		endpoint: endpoint,
	}
}

// Run serves WebSocket clients and dispatches events until ctx is
// cancelled, then drains every held event before closing.
func (rt *Router) Run(ctx context.Context) error {
	rt.runCtx = ctx

	server := rt.newServer(rt.cfg)
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("router listening", "addr", rt.cfg.Listen, "broadcast_all", rt.cfg.BroadcastAll)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	incoming := make(chan event.ASREvent)
	go rt.consumeLoop(ctx, incoming)

	ticker := time.NewTicker(fairnessTick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serverErr:
			return err
		case e := <-incoming:
			for _, ready := range rt.reorder.Offer(e) {
				rt.deliver(ready)
			}
		case <-ticker.C:
			for _, ready := range rt.reorder.Tick() {
				rt.deliver(ready)
			}
		}
	}

	// Drain all held events before closing sockets.
	for _, e := range rt.reorder.DrainAll() {
		rt.deliver(e)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	slog.Info("router stopped")
	return nil
}

// consumeLoop feeds subscribed events into the dispatch loop.
func (rt *Router) consumeLoop(ctx context.Context, out chan<- event.ASREvent) {
	for {
		e, err := rt.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("event fetch failed", "error", err)
			continue
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}
}

// deliver sends one ordered event to its target clients, evicting clients
// whose sockets fail.
func (rt *Router) deliver(e event.ASREvent) {
	metrics.RouterEventsTotal.WithLabelValues(e.Type).Inc()

	targets := rt.registry.targets(e.PeerIP, rt.cfg.BroadcastAll)
	if len(targets) == 0 {
		slog.Debug("no clients for event", "peer_ip", e.PeerIP, "type", e.Type)
		return
	}

	for _, cl := range targets {
		if err := cl.writeJSON(e); err != nil {
			slog.Warn("client send failed",
				"client_id", cl.id,
				"peer_ip", e.PeerIP,
				"error", err)
			rt.registry.remove(cl.id, "send_failed")
		}
	}
}
