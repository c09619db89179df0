package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/pion/rtp"

	"firestige.xyz/strix/internal/codec"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/event"
	"firestige.xyz/strix/internal/metrics"
)

// RTP payload bounds for 20 ms G.711 frames.
const (
	minRTPPayload = 160
	maxRTPPayload = 240
)

// Pusher is the downstream audio hop. Push blocks under backpressure; an
// accepted segment is never dropped.
type Pusher interface {
	Push(ctx context.Context, meta event.SegmentMeta, pcm, farEnd []byte) error
}

// frameReader abstracts the packet ring for tests.
type frameReader interface {
	ReadPacket() ([]byte, gopacket.CaptureInfo, error)
}

// stream is the reassembly state of one call leg (one SSRC).
type stream struct {
	key     event.CallKey
	codec   codec.Codec
	reorder *reorderBuffer
	seg     *voiceSegment
}

// Capture is the capture & reassembly component.
type Capture struct {
	cfg    config.CaptureConfig
	hostIP string
	pusher Pusher
	source frameReader

	table *callTable

	// mu guards streams, legSources and farEnd. Held briefly around state
	// access only; downstream pushes happen outside it.
	mu         sync.Mutex
	streams    map[event.CallKey]*stream
	legSources map[string]map[uint32]event.Source // unique_key → ssrc → leg
	farEnd     map[string][]byte                  // unique_key → last citizen-leg PCM

	now func() time.Time

	// Decode state, owned by the capture goroutine.
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	decoded []gopacket.LayerType
}

// New creates the capture component. hostIP is the PBX address used to
// classify call direction.
func New(cfg config.CaptureConfig, hostIP string, pusher Pusher) (*Capture, error) {
	src, err := newPacketSource(cfg)
	if err != nil {
		return nil, err
	}
	c := newWithSource(cfg, hostIP, pusher, src)
	return c, nil
}

func newWithSource(cfg config.CaptureConfig, hostIP string, pusher Pusher, src frameReader) *Capture {
	c := &Capture{
		cfg:        cfg,
		hostIP:     hostIP,
		pusher:     pusher,
		source:     src,
		table:      newCallTable(),
		streams:    make(map[event.CallKey]*stream),
		legSources: make(map[string]map[uint32]event.Source),
		farEnd:     make(map[string][]byte),
		now:        time.Now,
	}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.ip4, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c
}

// Run captures until ctx is cancelled, then flushes all open segments.
func (c *Capture) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.timeoutLoop(ctx)
	}()

	slog.Info("capture started", "interface", c.cfg.Interface, "host_ip", c.hostIP)

	var readErr error
	for ctx.Err() == nil {
		data, _, err := c.source.ReadPacket()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			slog.Error("packet read failed", "error", err)
			readErr = err
			break
		}
		c.handleFrame(ctx, data)
	}

	cancel()
	wg.Wait()
	c.shutdown()
	return readErr
}

// handleFrame decodes L2-L4 and dispatches SIP vs RTP.
func (c *Capture) handleFrame(ctx context.Context, data []byte) {
	c.decoded = c.decoded[:0]
	if err := c.parser.DecodeLayers(data, &c.decoded); err != nil {
		metrics.CaptureDropsTotal.WithLabelValues("decode").Inc()
		return
	}
	sawUDP := false
	for _, lt := range c.decoded {
		if lt == layers.LayerTypeUDP {
			sawUDP = true
		}
	}
	if !sawUDP {
		return
	}

	srcIP := c.ip4.SrcIP.String()
	payload := c.udp.Payload

	if c.udp.SrcPort == 5060 || c.udp.DstPort == 5060 {
		metrics.CapturePacketsTotal.WithLabelValues("sip").Inc()
		c.handleSIP(ctx, srcIP, payload)
		return
	}

	metrics.CapturePacketsTotal.WithLabelValues("rtp").Inc()
	c.handleRTP(ctx, srcIP, payload)
}

// handleSIP tracks dialog state from signaling.
func (c *Capture) handleSIP(ctx context.Context, srcIP string, payload []byte) {
	if !looksLikeSIP(payload) {
		return
	}
	msg, err := parseSIPMessage(payload)
	if err != nil {
		slog.Debug("dropping malformed sip", "src_ip", srcIP, "error", err)
		metrics.CaptureDropsTotal.WithLabelValues("sip_malformed").Inc()
		return
	}

	switch {
	case msg.method == "INVITE":
		c.table.handleInvite(msg, srcIP, c.hostIP)
	case msg.method == "BYE":
		if entry := c.table.handleBye(msg.callID); entry != nil {
			c.endCall(ctx, entry)
		}
	default:
		// Other requests and all responses only prove liveness.
		c.table.touch(msg.callID)
	}
}

// handleRTP validates, reorders and segments one media datagram.
func (c *Capture) handleRTP(ctx context.Context, srcIP string, payload []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(payload); err != nil {
		metrics.CaptureDropsTotal.WithLabelValues("rtp_malformed").Inc()
		return
	}
	if pkt.Version != 2 {
		metrics.CaptureDropsTotal.WithLabelValues("rtp_malformed").Inc()
		return
	}
	cdc, err := codec.FromPayloadType(pkt.PayloadType)
	if err != nil {
		metrics.CaptureDropsTotal.WithLabelValues("rtp_payload_type").Inc()
		return
	}
	if len(pkt.Payload) < minRTPPayload || len(pkt.Payload) > maxRTPPayload {
		metrics.CaptureDropsTotal.WithLabelValues("rtp_size").Inc()
		return
	}

	entry, err := c.table.matchRTP(srcIP)
	if err != nil {
		if errors.Is(err, event.ErrAmbiguousCall) {
			slog.Warn("ambiguous rtp ownership, dropping", "src_ip", srcIP)
			metrics.CaptureDropsTotal.WithLabelValues("ambiguous").Inc()
		} else {
			metrics.CaptureDropsTotal.WithLabelValues("unknown_call").Inc()
		}
		return
	}

	flush := c.ingest(entry, cdc, &pkt)
	for _, f := range flush {
		c.push(ctx, f)
	}
}

// pendingFlush is a segment detached under the lock and pushed outside it.
type pendingFlush struct {
	meta event.SegmentMeta
	pcm  []byte
	far  []byte
}

// ingest runs the per-leg reorder and segmentation under the state lock and
// returns any segments that became due.
func (c *Capture) ingest(entry *CallEntry, cdc codec.Codec, pkt *rtp.Packet) []pendingFlush {
	c.mu.Lock()
	defer c.mu.Unlock()

	source := c.legSource(entry, pkt.SSRC)
	key := event.CallKey{
		PeerIP:    entry.FromIP,
		Source:    source,
		UniqueKey: entry.UniqueKey,
		SSRC:      pkt.SSRC,
	}

	st, ok := c.streams[key]
	if !ok {
		st = &stream{key: key, codec: cdc, reorder: newReorderBuffer(cdc)}
		c.streams[key] = st
	}

	now := c.now()
	var out []pendingFlush
	for _, payload := range st.reorder.Add(pkt.SequenceNumber, pkt.Payload) {
		if st.seg == nil {
			if isSilencePayload(cdc, payload) {
				continue // a segment begins on the first non-silence payload
			}
			st.seg = newVoiceSegment(key, cdc, now)
		}
		st.seg.append(payload, now)

		if st.seg.duration() >= c.cfg.SegmentThreshold {
			if f, ok := c.detachLocked(st, false); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// legSource assigns an SSRC to a call leg. The first SSRC of a dialog is
// the leg matching the call direction (the citizen speaks first on an
// outgoing hotline call); the second SSRC is the opposite leg.
func (c *Capture) legSource(entry *CallEntry, ssrc uint32) event.Source {
	legs, ok := c.legSources[entry.UniqueKey]
	if !ok {
		legs = make(map[uint32]event.Source)
		c.legSources[entry.UniqueKey] = legs
	}
	if s, ok := legs[ssrc]; ok {
		return s
	}

	primary := event.SourceCitizen
	if entry.Direction == DirIncoming {
		primary = event.SourceHotline
	}
	secondary := event.SourceHotline
	if primary == event.SourceHotline {
		secondary = event.SourceCitizen
	}

	assigned := primary
	for _, s := range legs {
		if s == primary {
			assigned = secondary
		}
	}
	legs[ssrc] = assigned
	return assigned
}

// detachLocked removes the open segment from a stream and prepares the
// flush. The audio of a segment failing the voice-fraction filter is
// discarded; for the terminal segment of the call only the end-of-call
// marker (meta with IsFinished, no PCM) is still sent.
func (c *Capture) detachLocked(st *stream, finished bool) (pendingFlush, bool) {
	seg := st.seg
	st.seg = nil
	if seg == nil {
		return pendingFlush{}, false
	}
	if seg.tooQuiet() {
		metrics.CaptureDropsTotal.WithLabelValues("quiet_segment").Inc()
		if !finished {
			return pendingFlush{}, false
		}
		// The audio is dropped but the end-of-call marker still goes.
		disc, maxGap := st.reorder.Stats()
		return pendingFlush{meta: seg.meta(true, disc, maxGap)}, true
	}

	disc, maxGap := st.reorder.Stats()
	f := pendingFlush{
		meta: seg.meta(finished, disc, maxGap),
		pcm:  seg.pcm,
	}

	if st.key.Source == event.SourceCitizen {
		// Keep the most recent citizen-leg audio as the echo-cancellation
		// reference for the opposite leg.
		if c.cfg.AttachFarEnd {
			c.farEnd[st.key.UniqueKey] = seg.pcm
		}
	} else if c.cfg.AttachFarEnd {
		if ref, ok := c.farEnd[st.key.UniqueKey]; ok {
			f.far = ref
		}
	}
	return f, true
}

// push sends one flush downstream, blocking under backpressure.
func (c *Capture) push(ctx context.Context, f pendingFlush) {
	if err := c.pusher.Push(ctx, f.meta, f.pcm, f.far); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("segment push failed", "unique_key", f.meta.UniqueKey, "error", err)
		return
	}
	metrics.SegmentsFlushedTotal.Inc()
	slog.Debug("segment flushed",
		"unique_key", f.meta.UniqueKey,
		"source", f.meta.Source,
		"ssrc", f.meta.SSRC,
		"duration", f.meta.EndTs-f.meta.StartTs,
		"finished", f.meta.IsFinished)
}

// endCall drains and flushes every leg of a finished dialog and emits the
// end-of-call indicator per leg.
func (c *Capture) endCall(ctx context.Context, entry *CallEntry) {
	c.mu.Lock()

	var flushes []pendingFlush
	now := c.now()
	for key, st := range c.streams {
		if key.UniqueKey != entry.UniqueKey {
			continue
		}
		// Abandon reordering: release pending payloads with gaps filled.
		for _, payload := range st.reorder.Flush() {
			if st.seg == nil {
				if isSilencePayload(st.codec, payload) {
					continue
				}
				st.seg = newVoiceSegment(key, st.codec, now)
			}
			st.seg.append(payload, now)
		}

		if f, ok := c.detachLocked(st, true); ok {
			flushes = append(flushes, f)
		} else {
			// No audio left: still signal end of call downstream.
			disc, maxGap := st.reorder.Stats()
			empty := newVoiceSegment(key, st.codec, now)
			flushes = append(flushes, pendingFlush{meta: empty.meta(true, disc, maxGap)})
		}
		delete(c.streams, key)
	}
	delete(c.legSources, entry.UniqueKey)
	delete(c.farEnd, entry.UniqueKey)
	c.mu.Unlock()

	for _, f := range flushes {
		c.push(ctx, f)
	}
	c.table.remove(entry.UniqueKey)
}

// timeoutLoop closes calls that stop sending packets.
func (c *Capture) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	timeout := time.Duration(c.cfg.CallTimeout * float64(time.Second))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range c.table.expire(timeout) {
				c.endCall(ctx, entry)
			}
		}
	}
}

// shutdown flushes everything still open. Pushes use a fresh context so the
// final segments are not lost to the cancelled run context.
func (c *Capture) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, entry := range c.table.snapshot() {
		if entry.Active {
			if e := c.table.handleBye(entry.UniqueKey); e != nil {
				c.endCall(ctx, e)
			}
		}
	}
	if closer, ok := c.source.(interface{ Close() }); ok {
		closer.Close()
	}
	slog.Info("capture stopped")
}
