// Package ticket implements the summarization proxy: it accepts a
// completed conversation, forwards it to one of the pooled LLM summarizer
// endpoints, and returns the structured ticket.
package ticket

import (
	"log/slog"
	"math/rand"
	"sync"
)

// node is one summarizer endpoint with its health state.
type node struct {
	url      string
	healthy  bool
	reqCount uint64
	errCount uint64
}

// NodeStatus is a health snapshot of one endpoint, exposed on /health.
type NodeStatus struct {
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
}

// Balancer selects summarizer endpoints round-robin, skipping nodes marked
// unhealthy. Health flags and counters are process-wide and live for the
// process lifetime.
type Balancer struct {
	mu    sync.Mutex
	nodes []*node
	next  int
}

// NewBalancer builds the pool. All endpoints start healthy.
func NewBalancer(endpoints []string) *Balancer {
	b := &Balancer{}
	for _, url := range endpoints {
		b.nodes = append(b.nodes, &node{url: url, healthy: true})
	}
	slog.Info("summarizer pool initialized", "endpoints", len(endpoints))
	return b
}

// Next returns the next healthy endpoint in rotation. When every node is
// unhealthy a random one is returned so the pool can recover.
func (b *Balancer) Next() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < len(b.nodes); i++ {
		n := b.nodes[b.next]
		b.next = (b.next + 1) % len(b.nodes)
		if n.healthy {
			n.reqCount++
			return n.url
		}
	}

	slog.Warn("no healthy summarizer endpoint, picking at random")
	n := b.nodes[rand.Intn(len(b.nodes))]
	n.reqCount++
	return n.url
}

// MarkHealthy records a successful response from an endpoint.
func (b *Balancer) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n.url == url && !n.healthy {
			n.healthy = true
			slog.Info("summarizer endpoint recovered", "endpoint", url)
		}
	}
}

// MarkUnhealthy records a failure from an endpoint.
func (b *Balancer) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n.url == url {
			n.errCount++
			if n.healthy {
				n.healthy = false
				slog.Warn("summarizer endpoint marked unhealthy", "endpoint", url)
			}
		}
	}
}

// Status snapshots all nodes.
func (b *Balancer) Status() []NodeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]NodeStatus, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, NodeStatus{
			URL:      n.url,
			Healthy:  n.healthy,
			Requests: n.reqCount,
			Errors:   n.errCount,
		})
	}
	return out
}
