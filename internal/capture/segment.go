package capture

import (
	"time"

	"firestige.xyz/strix/internal/codec"
	"firestige.xyz/strix/internal/event"
)

const sampleRate = 8000 // G.711 sample rate, one byte per sample

// minVoiceFraction is the heuristic silence filter: a segment whose voice
// packet share is below this is dropped instead of being sent to the
// recognizer.
const minVoiceFraction = 0.10

// voiceSegment accumulates ordered, decoded PCM for one call leg between
// flushes. Created on the first non-silence payload, destroyed on flush.
type voiceSegment struct {
	key   event.CallKey
	codec codec.Codec

	pcm     []byte // s16le mono 8 kHz
	samples int    // companded samples appended (= payload bytes)

	silencePkts int
	voicePkts   int

	startTs time.Time
	endTs   time.Time
}

func newVoiceSegment(key event.CallKey, c codec.Codec, now time.Time) *voiceSegment {
	return &voiceSegment{
		key:     key,
		codec:   c,
		startTs: now,
		endTs:   now,
	}
}

// isSilencePayload reports whether every byte of a companded payload is the
// codec's silence value.
func isSilencePayload(c codec.Codec, payload []byte) bool {
	s := c.SilenceByte()
	for _, b := range payload {
		if b != s {
			return false
		}
	}
	return true
}

// voiceFraction returns the share of non-silence bytes in a payload.
func voiceFraction(c codec.Codec, payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	s := c.SilenceByte()
	voiced := 0
	for _, b := range payload {
		if b != s {
			voiced++
		}
	}
	return float64(voiced) / float64(len(payload))
}

// append decodes one ordered payload into the segment. A payload counts as
// voiced when at least 10% of its samples differ from codec silence.
func (s *voiceSegment) append(payload []byte, now time.Time) {
	if voiceFraction(s.codec, payload) >= minVoiceFraction {
		s.voicePkts++
	} else {
		s.silencePkts++
	}
	s.pcm = append(s.pcm, s.codec.Decode(payload)...)
	s.samples += len(payload)
	s.endTs = now
}

// duration is the real-time length represented by the buffered samples.
func (s *voiceSegment) duration() float64 {
	return float64(s.samples) / sampleRate
}

// tooQuiet reports whether the segment fails the voice-fraction filter.
func (s *voiceSegment) tooQuiet() bool {
	total := s.silencePkts + s.voicePkts
	if total == 0 {
		return true
	}
	return float64(s.voicePkts)/float64(total) < minVoiceFraction
}

// meta builds the segment metadata for the downstream push.
func (s *voiceSegment) meta(finished bool, discontinuities int, maxGap uint16) event.SegmentMeta {
	return event.SegmentMeta{
		PeerIP:          s.key.PeerIP,
		Source:          s.key.Source,
		UniqueKey:       s.key.UniqueKey,
		SSRC:            s.key.SSRC,
		StartTs:         float64(s.startTs.UnixNano()) / 1e9,
		EndTs:           float64(s.endTs.UnixNano()) / 1e9,
		IsFinished:      finished,
		SilencePkts:     s.silencePkts,
		VoicePkts:       s.voicePkts,
		Discontinuities: discontinuities,
		MaxGap:          maxGap,
	}
}
