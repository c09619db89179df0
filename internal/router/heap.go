// Package router implements the event-ordering and WebSocket fan-out
// component: it subscribes to ASR events, restores per-peer ordering by
// voice-activity start time, and delivers events to the matching clients.
package router

import (
	"container/heap"
	"time"

	"firestige.xyz/strix/internal/event"
	"firestige.xyz/strix/internal/metrics"
)

// pendingEvent is one held event, ordered by voice start time.
type pendingEvent struct {
	voiceStartTs float64
	receivedAt   time.Time
	evt          event.ASREvent
}

// eventHeap is a min-heap on voiceStartTs.
type eventHeap []pendingEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].voiceStartTs < h[j].voiceStartTs }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(pendingEvent)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// peerQueue reorders one peer's events. ASR latency varies across
// concurrent calls and speakers, so events arrive out of voice order; the
// queue holds each event until it is the next expected or until it has
// waited maxDelay. Until something has been published for the peer there
// is no ordering floor, so the first event always rides out the fairness
// window in case an earlier one is still in flight.
type peerQueue struct {
	heap          eventHeap
	lastPublished float64
	hasPublished  bool
	lastActivity  time.Time
}

// Idle peers are purged after this many fairness windows without traffic,
// so queues of disconnected peers do not accumulate.
const idleWindows = 12

// reorderer owns all per-peer queues. Not goroutine-safe; the router's
// dispatch loop is the only caller.
type reorderer struct {
	peers    map[string]*peerQueue
	maxDelay time.Duration
	now      func() time.Time
}

func newReorderer(maxDelay time.Duration) *reorderer {
	return &reorderer{
		peers:    make(map[string]*peerQueue),
		maxDelay: maxDelay,
		now:      time.Now,
	}
}

// Offer enqueues an event and returns everything ready for delivery, in
// order. A call_finished drains the whole peer queue first and is returned
// last.
func (r *reorderer) Offer(e event.ASREvent) []event.ASREvent {
	if e.Type == event.TypeCallFinished {
		out := r.drainPeer(e.PeerIP)
		return append(out, e)
	}

	q := r.peers[e.PeerIP]
	if q == nil {
		q = &peerQueue{}
		r.peers[e.PeerIP] = q
	}
	q.lastActivity = r.now()
	heap.Push(&q.heap, pendingEvent{
		voiceStartTs: e.VoiceStartTs,
		receivedAt:   q.lastActivity,
		evt:          e,
	})
	return r.drainReady(q)
}

// Tick re-checks the fairness timer on every peer. Called periodically so
// a held event is not stuck when no further events arrive. Also purges
// queues of peers idle past the retention horizon.
func (r *reorderer) Tick() []event.ASREvent {
	var out []event.ASREvent
	now := r.now()
	for ip, q := range r.peers {
		out = append(out, r.drainReady(q)...)
		if q.heap.Len() == 0 && now.Sub(q.lastActivity) > time.Duration(idleWindows)*r.maxDelay {
			delete(r.peers, ip)
		}
	}
	return out
}

// drainReady publishes from the top of a peer's heap while the head is
// either the next expected event or has exceeded the fairness bound.
func (r *reorderer) drainReady(q *peerQueue) []event.ASREvent {
	var out []event.ASREvent
	now := r.now()
	for q.heap.Len() > 0 {
		top := q.heap[0]
		expected := q.hasPublished && top.voiceStartTs >= q.lastPublished
		expired := now.Sub(top.receivedAt) >= r.maxDelay
		if !expected && !expired {
			break
		}
		if !expected {
			metrics.RouterForcedPublishTotal.Inc()
		}
		heap.Pop(&q.heap)
		q.lastPublished = top.voiceStartTs
		q.hasPublished = true
		q.lastActivity = now
		out = append(out, top.evt)
	}
	return out
}

// drainPeer unconditionally flushes a peer's queue in heap order and
// releases its state. Used on call_finished and shutdown.
func (r *reorderer) drainPeer(ip string) []event.ASREvent {
	q := r.peers[ip]
	if q == nil {
		return nil
	}
	var out []event.ASREvent
	for q.heap.Len() > 0 {
		top := heap.Pop(&q.heap).(pendingEvent)
		out = append(out, top.evt)
	}
	delete(r.peers, ip)
	return out
}

// DrainAll flushes every queue in heap order, for shutdown.
func (r *reorderer) DrainAll() []event.ASREvent {
	var out []event.ASREvent
	for ip := range r.peers {
		out = append(out, r.drainPeer(ip)...)
	}
	return out
}

// Pending reports how many events are currently held across all peers.
func (r *reorderer) Pending() int {
	n := 0
	for _, q := range r.peers {
		n += q.heap.Len()
	}
	return n
}
