package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/event"
	"firestige.xyz/strix/internal/metrics"
)

// ConversationItem is one turn of the transcript.
type ConversationItem struct {
	Source event.Source `json:"source" binding:"required"`
	Text   string       `json:"text"`
}

// Request is the caller-facing ticket generation input.
type Request struct {
	UniqueKey    string             `json:"unique_key" binding:"required"`
	Conversation []ConversationItem `json:"conversation" binding:"required"`
}

// Response is the structured ticket. Exactly these four string fields; any
// other upstream shape is a 502.
type Response struct {
	TicketType    string `json:"ticket_type"`
	TicketZone    string `json:"ticket_zone"`
	TicketTitle   string `json:"ticket_title"`
	TicketContent string `json:"ticket_content"`
}

// Proxy is the ticket summarization component.
type Proxy struct {
	cfg      config.TicketConfig
	balancer *Balancer
	client   *http.Client
	timeout  time.Duration
}

// NewProxy wires the proxy.
func NewProxy(cfg config.TicketConfig) (*Proxy, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("ticket.endpoints must list at least one summarizer")
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket.timeout: %w", err)
	}
	return &Proxy{
		cfg:      cfg,
		balancer: NewBalancer(cfg.Endpoints),
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
	}, nil
}

// Run serves until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/ticketGeneration", p.handleGenerate)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"endpoints": p.balancer.Status(),
		})
	})

	server := &http.Server{
		Addr:    p.cfg.Listen,
		Handler: engine,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ticket proxy listening", "addr", p.cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	slog.Info("ticket proxy stopped")
	return nil
}

// handleGenerate shapes the request, forwards it to the pool and maps
// failures to 502/504. No retries here: the balancer's health state routes
// the next request elsewhere.
func (p *Proxy) handleGenerate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.TicketRequestsTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	for _, item := range req.Conversation {
		if !item.Source.Valid() {
			metrics.TicketRequestsTotal.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("invalid source %q", item.Source)})
			return
		}
	}

	slog.Info("ticket request", "unique_key", req.UniqueKey, "turns", len(req.Conversation))

	resp, err := p.forward(c.Request.Context(), req)
	switch {
	case err == nil:
		metrics.TicketRequestsTotal.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, event.ErrUpstreamTimeout):
		metrics.TicketRequestsTotal.WithLabelValues("timeout").Inc()
		c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "ticket service timeout"})
	case errors.Is(err, event.ErrUpstreamInvalid):
		metrics.TicketRequestsTotal.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"detail": "ticket service invalid response"})
	default:
		metrics.TicketRequestsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"detail": "ticket service error"})
	}
}

// upstreamBody shapes the conversation for the summarizer:
// {unique_key: [{source: text}, ...]}.
func upstreamBody(req Request) map[string][]map[string]string {
	turns := make([]map[string]string, 0, len(req.Conversation))
	for _, item := range req.Conversation {
		turns = append(turns, map[string]string{string(item.Source): item.Text})
	}
	return map[string][]map[string]string{req.UniqueKey: turns}
}

// forward posts the shaped body to the next pooled endpoint and validates
// the ticket shape.
func (p *Proxy) forward(ctx context.Context, req Request) (Response, error) {
	endpoint := p.balancer.Next()

	body, err := json.Marshal(upstreamBody(req))
	if err != nil {
		return Response{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.balancer.MarkUnhealthy(endpoint)
		metrics.TicketUpstreamErrorsTotal.WithLabelValues(endpoint).Inc()
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			slog.Error("summarizer timeout", "endpoint", endpoint, "error", err)
			return Response{}, event.ErrUpstreamTimeout
		}
		slog.Error("summarizer transport error", "endpoint", endpoint, "error", err)
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.balancer.MarkUnhealthy(endpoint)
		metrics.TicketUpstreamErrorsTotal.WithLabelValues(endpoint).Inc()
		io.Copy(io.Discard, resp.Body)
		slog.Error("summarizer http error", "endpoint", endpoint, "status", resp.StatusCode)
		return Response{}, fmt.Errorf("summarizer returned %d", resp.StatusCode)
	}

	// Health tracks transport and status outcome only; a 2xx endpoint is
	// healthy even when the body fails schema validation.
	p.balancer.MarkHealthy(endpoint)

	var ticket Response
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&ticket); err != nil {
		return Response{}, fmt.Errorf("%w: %v", event.ErrUpstreamInvalid, err)
	}
	if ticket.TicketType == "" || ticket.TicketZone == "" || ticket.TicketTitle == "" || ticket.TicketContent == "" {
		return Response{}, event.ErrUpstreamInvalid
	}

	slog.Info("ticket generated",
		"unique_key", req.UniqueKey,
		"endpoint", endpoint,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"type", ticket.TicketType,
		"zone", ticket.TicketZone)
	return ticket, nil
}
