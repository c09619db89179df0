package capture

import (
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/strix/internal/event"
	"firestige.xyz/strix/internal/metrics"
)

// Direction of a dialog relative to the monitored host.
type Direction string

const (
	DirIncoming Direction = "incoming"
	DirOutgoing Direction = "outgoing"
)

// CallEntry tracks one SIP dialog.
type CallEntry struct {
	UniqueKey    string // SIP Call-ID
	FromIP       string
	FromExt      string
	ToExt        string
	MediaPort    uint16 // advertised m=audio port, 0 when the INVITE had no SDP
	Direction    Direction
	StartTs      time.Time
	LastPacketTs time.Time
	Active       bool
}

// callTable owns all dialog state for the capture component. The capture
// goroutine and the timeout goroutine both touch it; one mutex serializes
// access and is held only around state reads and writes, never across
// downstream pushes.
type callTable struct {
	mu    sync.Mutex
	calls map[string]*CallEntry // Call-ID → entry
	now   func() time.Time
}

func newCallTable() *callTable {
	return &callTable{
		calls: make(map[string]*CallEntry),
		now:   time.Now,
	}
}

// handleInvite creates a dialog on the first INVITE for a Call-ID.
// Returns the entry and whether it was created by this INVITE.
func (t *callTable) handleInvite(msg *sipMessage, srcIP, hostIP string) (*CallEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.calls[msg.callID]; ok {
		// Re-INVITE: refresh, picking up a renegotiated media port.
		entry.LastPacketTs = t.now()
		if msg.mediaPort != 0 {
			entry.MediaPort = msg.mediaPort
		}
		return entry, false
	}

	dir := DirIncoming
	if srcIP != hostIP {
		dir = DirOutgoing
	}

	now := t.now()
	entry := &CallEntry{
		UniqueKey:    msg.callID,
		FromIP:       srcIP,
		FromExt:      extractExtension(msg.from),
		ToExt:        extractExtension(msg.to),
		MediaPort:    msg.mediaPort,
		Direction:    dir,
		StartTs:      now,
		LastPacketTs: now,
		Active:       true,
	}
	t.calls[msg.callID] = entry
	metrics.ActiveCalls.Inc()

	slog.Info("new call",
		"unique_key", entry.UniqueKey,
		"from_ip", entry.FromIP,
		"from_ext", entry.FromExt,
		"to_ext", entry.ToExt,
		"media_port", entry.MediaPort,
		"direction", entry.Direction)

	return entry, true
}

// handleBye marks a dialog inactive. Returns the entry when the BYE ended
// an active call.
func (t *callTable) handleBye(callID string) *CallEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.calls[callID]
	if !ok || !entry.Active {
		return nil
	}
	entry.Active = false
	entry.LastPacketTs = t.now()
	metrics.ActiveCalls.Dec()

	slog.Info("call ended", "unique_key", callID, "reason", "bye")
	return entry
}

// touch refreshes the last-packet timestamp of a dialog.
func (t *callTable) touch(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.calls[callID]; ok {
		entry.LastPacketTs = t.now()
	}
}

// matchRTP finds the active call owning an RTP packet by source IP.
// Zero matches returns ErrUnknownCall; more than one returns
// ErrAmbiguousCall (the caller logs and drops).
func (t *callTable) matchRTP(srcIP string) (*CallEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found *CallEntry
	for _, entry := range t.calls {
		if !entry.Active || entry.FromIP != srcIP {
			continue
		}
		if found != nil {
			return nil, event.ErrAmbiguousCall
		}
		found = entry
	}
	if found == nil {
		return nil, event.ErrUnknownCall
	}
	found.LastPacketTs = t.now()
	return found, nil
}

// expire returns the calls that have been silent for at least timeout and
// marks them inactive.
func (t *callTable) expire(timeout time.Duration) []*CallEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []*CallEntry
	for _, entry := range t.calls {
		if entry.Active && now.Sub(entry.LastPacketTs) >= timeout {
			entry.Active = false
			metrics.ActiveCalls.Dec()
			expired = append(expired, entry)
			slog.Info("call ended", "unique_key", entry.UniqueKey, "reason", "timeout")
		}
	}
	return expired
}

// remove drops a finished dialog from the table.
func (t *callTable) remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, callID)
}

// snapshot returns a copy of all entries, used at shutdown to end every
// call still open.
func (t *callTable) snapshot() []CallEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallEntry, 0, len(t.calls))
	for _, entry := range t.calls {
		out = append(out, *entry)
	}
	return out
}
