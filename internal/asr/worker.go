package asr

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/event"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/transport"
)

const (
	// Call state evicts after this long without a call_finished, so legs
	// that never close do not leak.
	callStateTTL   = 24 * time.Hour
	callStateSweep = time.Hour
)

// AudioSource is the upstream audio hop.
type AudioSource interface {
	Fetch(ctx context.Context) (transport.AudioMessage, error)
}

// EventSink is the downstream publish hop. Lossy by design; the worker
// logs failures and moves on.
type EventSink interface {
	Publish(ctx context.Context, e event.ASREvent) error
}

// callState accumulates per-leg counters between call_finished events.
type callState struct {
	chunks     int
	bytes      int
	lastText   string
	preprocess Preprocessor
}

// Worker is the ASR dispatch component.
type Worker struct {
	cfg        config.ASRConfig
	source     AudioSource
	sink       EventSink
	recognizer Recognizer
	allowlist  *Allowlist

	states *cache.Cache // CallKey.String() → *callState
}

// NewWorker wires the worker. The recognizer must already be probed; a
// model that cannot load is fatal at startup, not here.
func NewWorker(cfg config.ASRConfig, source AudioSource, sink EventSink, rec Recognizer, allow *Allowlist) *Worker {
	return &Worker{
		cfg:        cfg,
		source:     source,
		sink:       sink,
		recognizer: rec,
		allowlist:  allow,
		states:     cache.New(callStateTTL, callStateSweep),
	}
}

// Run consumes segments until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("asr worker started", "preprocess", w.cfg.Preprocess)

	for {
		msg, err := w.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("asr worker stopped")
				return nil
			}
			slog.Warn("audio fetch failed", "error", err)
			continue
		}
		w.handle(ctx, msg)
	}
}

// handle processes one audio message end to end.
func (w *Worker) handle(ctx context.Context, msg transport.AudioMessage) {
	meta := msg.Meta
	if !w.allowlist.Allows(meta.PeerIP) {
		metrics.ASRChunksTotal.WithLabelValues("filtered").Inc()
		return
	}
	if !meta.Source.Valid() {
		slog.Warn("dropping segment with unknown source", "source", meta.Source)
		metrics.ASRChunksTotal.WithLabelValues("invalid").Inc()
		return
	}

	key := meta.Key()
	state := w.state(key)

	if len(msg.PCM) > 0 {
		state.chunks++
		state.bytes += len(msg.PCM)
		w.recognize(ctx, meta, state, msg.PCM, msg.FarEnd)
	}

	if meta.IsFinished {
		w.finishCall(ctx, key, state)
	}
}

// recognize runs preprocessing, resampling and the model on one chunk and
// publishes the resulting text event.
func (w *Worker) recognize(ctx context.Context, meta event.SegmentMeta, state *callState, pcm, farEnd []byte) {
	near := pcmToSamples(pcm)
	var far []int16
	if farEnd != nil {
		far = pcmToSamples(farEnd)
	}

	cleaned := state.preprocess.Process(near, far)
	if len(cleaned) == 0 {
		metrics.ASRChunksTotal.WithLabelValues("empty").Inc()
		return
	}

	audio := resample16k(cleaned)

	start := time.Now()
	result, err := w.recognizer.Recognize(ctx, audio)
	metrics.ASRInferenceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		// A single failed chunk never stops the call.
		slog.Error("recognition failed", "unique_key", meta.UniqueKey, "error", err)
		metrics.ASRChunksTotal.WithLabelValues("error").Inc()
		return
	}
	if result.Text == "" {
		metrics.ASRChunksTotal.WithLabelValues("no_text").Inc()
		return
	}

	state.lastText = result.Text
	metrics.ASRChunksTotal.WithLabelValues("ok").Inc()

	e := event.ASREvent{
		Type:         event.TypeASRUpdate,
		Text:         result.Text,
		PeerIP:       meta.PeerIP,
		Source:       meta.Source,
		UniqueKey:    meta.UniqueKey,
		SSRC:         meta.SSRC,
		IsFinished:   false,
		VoiceStartTs: meta.StartTs + result.VADStartMS/1000,
		ChunkStartTs: meta.StartTs,
		OffsetMs:     result.VADStartMS,
	}
	w.publish(ctx, e)
}

// finishCall emits the terminal event and resets per-call state.
func (w *Worker) finishCall(ctx context.Context, key event.CallKey, state *callState) {
	slog.Info("call finished",
		"unique_key", key.UniqueKey,
		"source", key.Source,
		"chunks", state.chunks,
		"bytes", state.bytes)

	e := event.ASREvent{
		Type:         event.TypeCallFinished,
		Text:         "",
		PeerIP:       key.PeerIP,
		Source:       key.Source,
		UniqueKey:    key.UniqueKey,
		SSRC:         key.SSRC,
		IsFinished:   true,
		VoiceStartTs: float64(time.Now().UnixNano()) / 1e9,
	}
	w.publish(ctx, e)

	state.preprocess.Reset()
	w.states.Delete(key.String())
}

// publish sends one event on the lossy hop.
func (w *Worker) publish(ctx context.Context, e event.ASREvent) {
	if err := w.sink.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "unique_key", e.UniqueKey, "error", err)
	}
}

// state fetches or creates the per-call accumulator.
func (w *Worker) state(key event.CallKey) *callState {
	k := key.String()
	if v, ok := w.states.Get(k); ok {
		return v.(*callState)
	}
	s := &callState{preprocess: NewPreprocessor(w.cfg.Preprocess)}
	w.states.Set(k, s, cache.DefaultExpiration)
	return s
}
