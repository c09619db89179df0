package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/event"
)

const (
	defaultBatchTimeout = 50 * time.Millisecond
	defaultMaxAttempts  = 3
)

// ─── Audio hop (capture → asr) ───

// AudioWriter pushes voice segments to the ASR worker.
// Writes are synchronous with acks, so a slow broker backpressures the
// capture loop instead of dropping accepted segments.
type AudioWriter struct {
	writer *kafka.Writer
}

// NewAudioWriter creates the capture-side producer.
func NewAudioWriter(cfg config.TransportConfig) *AudioWriter {
	return &AudioWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.AudioTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  defaultMaxAttempts,
			BatchTimeout: defaultBatchTimeout,
		},
	}
}

// Push sends one segment. farEnd may be nil.
func (w *AudioWriter) Push(ctx context.Context, meta event.SegmentMeta, pcm, farEnd []byte) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("segment meta encode: %w", err)
	}
	parts := [][]byte{metaJSON, pcm}
	if farEnd != nil {
		parts = append(parts, farEnd)
	}
	value, err := EncodeFrame(parts...)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(meta.Key().String()),
		Value: value,
	})
}

// Close flushes and closes the producer.
func (w *AudioWriter) Close() error {
	return w.writer.Close()
}

// AudioMessage is one decoded capture→asr message.
type AudioMessage struct {
	Meta   event.SegmentMeta
	PCM    []byte
	FarEnd []byte // nil when no reference leg was attached
}

// AudioReader consumes voice segments in the ASR worker.
type AudioReader struct {
	reader *kafka.Reader
}

// NewAudioReader creates the worker-side consumer. The consumer group gives
// crash/restart resume semantics on the bounded hop.
func NewAudioReader(cfg config.TransportConfig) *AudioReader {
	return &AudioReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.AudioTopic,
			GroupID:  cfg.GroupID + "-asr",
			MinBytes: 1,
			MaxBytes: 16 << 20, // segments with a far-end part can be large
		}),
	}
}

// Fetch blocks for the next segment.
func (r *AudioReader) Fetch(ctx context.Context) (AudioMessage, error) {
	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		return AudioMessage{}, err
	}
	parts, err := DecodeFrame(msg.Value)
	if err != nil {
		return AudioMessage{}, err
	}
	if len(parts) < 2 {
		return AudioMessage{}, fmt.Errorf("%w: audio message needs meta and pcm", event.ErrFrameParts)
	}
	var meta event.SegmentMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return AudioMessage{}, fmt.Errorf("segment meta decode: %w", err)
	}
	out := AudioMessage{Meta: meta, PCM: append([]byte(nil), parts[1]...)}
	if len(parts) >= 3 {
		out.FarEnd = append([]byte(nil), parts[2]...)
	}
	return out, nil
}

// Close closes the consumer.
func (r *AudioReader) Close() error {
	return r.reader.Close()
}

// ─── Event hop (asr → router) ───

// EventWriter publishes ASR events. The hop is fire-and-forget: the writer
// is asynchronous, a failed delivery is logged by its completion callback
// and the event is gone, matching the lossy PUB/SUB contract.
type EventWriter struct {
	writer *kafka.Writer
}

// NewEventWriter creates the worker-side event producer.
func NewEventWriter(cfg config.TransportConfig) *EventWriter {
	return &EventWriter{
		writer: &kafka.Writer{
			Addr:  kafka.TCP(cfg.Brokers...),
			Topic: cfg.EventsTopic,
			// Key by peer IP: one partition per peer preserves the worker's
			// per-peer emission order on the wire.
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireNone,
			MaxAttempts:  1,
			BatchTimeout: defaultBatchTimeout,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					slog.Warn("event publish failed", "count", len(messages), "error", err)
				}
			},
		},
	}
}

// Publish sends one event.
func (w *EventWriter) Publish(ctx context.Context, e event.ASREvent) error {
	value, err := e.Marshal()
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.PeerIP),
		Value: value,
	})
}

// Close flushes and closes the producer.
func (w *EventWriter) Close() error {
	return w.writer.Close()
}

// EventReader subscribes to ASR events in the router.
// No consumer group and StartOffset=LastOffset: a restarted or slow router
// misses events instead of backing up the worker.
type EventReader struct {
	cfg    config.TransportConfig
	reader *kafka.Reader
}

// NewEventReader creates the router-side subscriber.
func NewEventReader(cfg config.TransportConfig) *EventReader {
	r := &EventReader{cfg: cfg}
	r.reader = r.open()
	return r
}

func (r *EventReader) open() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     r.cfg.Brokers,
		Topic:       r.cfg.EventsTopic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})
}

// Fetch blocks for the next event, reconnecting on transport errors.
func (r *EventReader) Fetch(ctx context.Context) (event.ASREvent, error) {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return event.ASREvent{}, ctx.Err()
			}
			slog.Warn("event subscribe error, reconnecting", "error", err)
			_ = r.reader.Close()
			select {
			case <-ctx.Done():
				return event.ASREvent{}, ctx.Err()
			case <-time.After(time.Second):
			}
			r.reader = r.open()
			continue
		}
		e, err := event.ParseASREvent(msg.Value)
		if err != nil {
			// Malformed event: drop and keep consuming.
			slog.Warn("dropping malformed asr event", "error", err)
			continue
		}
		return e, nil
	}
}

// Close closes the subscriber.
func (r *EventReader) Close() error {
	return r.reader.Close()
}
