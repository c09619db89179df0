package capture

import (
	"firestige.xyz/strix/internal/codec"
	"firestige.xyz/strix/internal/metrics"
)

const (
	// A gap older than this many sequence numbers is declared lost and
	// garbage-collected from the hold area.
	reorderWindow = 100

	// Bound on the duplicate-suppression history. Long calls would
	// otherwise grow the seen set without limit.
	seenWindow = 1024
)

// reorderBuffer restores RTP sequence order for one call leg. Out-of-order
// payloads wait in pending; contiguous runs are released in ascending
// sequence order modulo 2^16. Missing packets older than the reorder window
// are replaced with codec silence so the stream keeps real-time duration.
type reorderBuffer struct {
	codec   codec.Codec
	pending map[uint16][]byte

	haveLast bool
	lastSeq  uint16 // highest contiguous sequence released

	// Duplicate suppression: ring of the last seenWindow sequence numbers.
	seen     map[uint16]struct{}
	seenRing [seenWindow]uint16
	seenLen  int
	seenPos  int

	// Quality counters, reported in segment metadata.
	discontinuities int
	maxGap          uint16
}

func newReorderBuffer(c codec.Codec) *reorderBuffer {
	return &reorderBuffer{
		codec:   c,
		pending: make(map[uint16][]byte),
		seen:    make(map[uint16]struct{}),
	}
}

// seqGap computes how many packets lie strictly between last and next,
// modulo 2^16.
func seqGap(last, next uint16) uint16 {
	return (next - last - 1) & 0xFFFF
}

// markSeen records a sequence number, evicting the oldest once the ring is
// full.
func (b *reorderBuffer) markSeen(seq uint16) {
	if b.seenLen == seenWindow {
		old := b.seenRing[b.seenPos]
		delete(b.seen, old)
	} else {
		b.seenLen++
	}
	b.seenRing[b.seenPos] = seq
	b.seenPos = (b.seenPos + 1) % seenWindow
	b.seen[seq] = struct{}{}
}

// Add accepts one RTP payload and returns every payload now releasable in
// order. Released slices for lost packets are silence of the same length
// as the following real payload.
func (b *reorderBuffer) Add(seq uint16, payload []byte) [][]byte {
	if _, dup := b.seen[seq]; dup {
		metrics.CaptureDropsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	b.markSeen(seq)
	b.pending[seq] = payload

	if !b.haveLast {
		// First packet of the stream anchors the sequence space.
		b.haveLast = true
		b.lastSeq = seq - 1
	}

	var released [][]byte
	next := b.lastSeq + 1
	for {
		p, ok := b.pending[next]
		if !ok {
			break
		}
		delete(b.pending, next)
		released = append(released, p)
		b.lastSeq = next
		next++
	}

	// Garbage-collect stragglers already released past (duplicates that
	// slipped through the bounded seen window). Each is a discontinuity.
	for s := range b.pending {
		if d := seqDistance(s, b.lastSeq); d > reorderWindow {
			delete(b.pending, s)
			b.discontinuities++
			metrics.ReorderDiscontinuitiesTotal.Inc()
		}
	}

	// Once the stream has run more than the reorder window past a hole,
	// the missing packets are declared lost: fill with silence and resume
	// from the oldest survivor so real-time duration is preserved.
	for len(b.pending) > 0 {
		oldest, ok := b.oldestPending()
		if !ok || seqGap(b.lastSeq, oldest) == 0 {
			break
		}
		if seqDistance(b.lastSeq+1, seq) <= reorderWindow {
			break
		}
		released = append(released, b.releaseFrom(oldest)...)
	}

	return released
}

// seqDistance returns how far behind `behind` is relative to `ahead`
// modulo 2^16, treating distances over half the space as "behind".
func seqDistance(behind, ahead uint16) uint16 {
	d := (ahead - behind) & 0xFFFF
	if d >= 0x8000 {
		return 0
	}
	return d
}

// oldestPending finds the pending sequence closest ahead of lastSeq.
// Entries behind the released cursor are stale and never chosen.
func (b *reorderBuffer) oldestPending() (uint16, bool) {
	var best, bestDist uint16
	found := false
	for s := range b.pending {
		if seqDistance(s, b.lastSeq) > 0 {
			continue
		}
		d := seqGap(b.lastSeq, s)
		if !found || d < bestDist {
			found = true
			bestDist = d
			best = s
		}
	}
	return best, found
}

// releaseFrom fills the gap up to seq with silence payloads and releases
// the contiguous run starting there.
func (b *reorderBuffer) releaseFrom(seq uint16) [][]byte {
	gap := seqGap(b.lastSeq, seq)
	p := b.pending[seq]
	var out [][]byte
	if gap > 0 {
		silence := make([]byte, len(p))
		for i := range silence {
			silence[i] = b.codec.SilenceByte()
		}
		for i := uint16(0); i < gap; i++ {
			out = append(out, silence)
		}
		b.discontinuities++
		if gap > b.maxGap {
			b.maxGap = gap
		}
		metrics.ReorderDiscontinuitiesTotal.Inc()
	}

	next := seq
	for {
		pl, ok := b.pending[next]
		if !ok {
			break
		}
		delete(b.pending, next)
		out = append(out, pl)
		b.lastSeq = next
		next++
	}
	return out
}

// Flush abandons reordering and releases whatever is pending in sequence
// order, silence-filling interior gaps. Used at end of call.
func (b *reorderBuffer) Flush() [][]byte {
	var out [][]byte
	for len(b.pending) > 0 {
		oldest, ok := b.oldestPending()
		if !ok {
			// Only stale behind-cursor entries remain; drop them.
			for s := range b.pending {
				delete(b.pending, s)
			}
			break
		}
		out = append(out, b.releaseFrom(oldest)...)
	}
	return out
}

// Stats returns the accumulated quality counters.
func (b *reorderBuffer) Stats() (discontinuities int, maxGap uint16) {
	return b.discontinuities, b.maxGap
}
