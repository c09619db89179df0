package asr

import (
	"math"
)

// Preprocessors run on 10 ms frames at the capture rate. Samples that do
// not fill a whole frame are buffered inside the preprocessor until the
// next segment of the same call arrives.
const frameSamples = captureRate / 100 // 10 ms

// Preprocessor cleans near-end audio before recognition. The backend is
// selected once at startup; implementations keep per-call leftover buffers
// so frame alignment survives segment boundaries.
type Preprocessor interface {
	// Process consumes near-end samples (and an optional far-end reference
	// of the same rate) and returns the cleaned samples ready so far.
	Process(near, far []int16) []int16
	// Reset clears buffered state at end of call.
	Reset()
}

// NewPreprocessor builds the configured backend.
func NewPreprocessor(kind string) Preprocessor {
	switch kind {
	case "aec":
		return newEchoCanceller()
	case "noisegate":
		return newNoiseGate()
	default:
		return bypass{}
	}
}

// ─── bypass ───

type bypass struct{}

func (bypass) Process(near, _ []int16) []int16 { return near }
func (bypass) Reset()                          {}

// ─── noise gate ───

// noiseGate attenuates frames whose energy stays near the tracked noise
// floor. The floor adapts slowly upward and quickly downward so speech
// onset is never eaten.
type noiseGate struct {
	leftover []int16
	floor    float64
}

const (
	gateThreshold  = 2.0  // frame RMS must exceed floor×threshold to pass
	floorDecay     = 0.95 // fast downward adaptation
	floorGrowth    = 1.02 // slow upward adaptation
	gateAttenuated = 8    // residual divisor for gated frames
)

func newNoiseGate() *noiseGate {
	return &noiseGate{floor: 100}
}

func (g *noiseGate) Process(near, _ []int16) []int16 {
	buf := append(g.leftover, near...)
	n := (len(buf) / frameSamples) * frameSamples
	g.leftover = append([]int16(nil), buf[n:]...)

	out := make([]int16, 0, n)
	for off := 0; off < n; off += frameSamples {
		frame := buf[off : off+frameSamples]
		rms := frameRMS(frame)

		if rms < g.floor {
			g.floor = g.floor*floorDecay + rms*(1-floorDecay)
		} else {
			g.floor *= floorGrowth
		}

		if rms >= g.floor*gateThreshold {
			out = append(out, frame...)
			continue
		}
		for _, s := range frame {
			out = append(out, s/gateAttenuated)
		}
	}
	return out
}

func (g *noiseGate) Reset() {
	g.leftover = nil
	g.floor = 100
}

func frameRMS(frame []int16) float64 {
	var acc float64
	for _, s := range frame {
		acc += float64(s) * float64(s)
	}
	return math.Sqrt(acc / float64(len(frame)))
}

// ─── echo canceller ───

// echoCanceller is an NLMS adaptive filter against the far-end reference.
// When a chunk arrives without a reference it degrades to the noise gate.
type echoCanceller struct {
	taps     []float64 // adaptive filter, filterMs of history
	history  []float64 // far-end delay line
	leftover []int16
	farLeft  []int16
	gate     *noiseGate
}

const (
	filterMs   = 200
	filterLen  = captureRate * filterMs / 1000
	nlmsMu     = 0.5
	nlmsEps    = 1e-6
	sampleNorm = 32768.0
)

func newEchoCanceller() *echoCanceller {
	return &echoCanceller{
		taps:    make([]float64, filterLen),
		history: make([]float64, filterLen),
		gate:    newNoiseGate(),
	}
}

func (e *echoCanceller) Process(near, far []int16) []int16 {
	if far == nil && len(e.farLeft) == 0 {
		return e.gate.Process(near, nil)
	}

	nearBuf := append(e.leftover, near...)
	farBuf := append(e.farLeft, far...)

	// Align on whole frames present on both sides.
	frames := min(len(nearBuf), len(farBuf)) / frameSamples
	n := frames * frameSamples

	out := make([]int16, 0, n)
	for i := 0; i < n; i++ {
		x := float64(farBuf[i]) / sampleNorm
		d := float64(nearBuf[i]) / sampleNorm

		// Shift the delay line.
		copy(e.history[1:], e.history[:filterLen-1])
		e.history[0] = x

		// Echo estimate and error.
		var y, power float64
		for t := 0; t < filterLen; t++ {
			y += e.taps[t] * e.history[t]
			power += e.history[t] * e.history[t]
		}
		err := d - y

		// NLMS update.
		step := nlmsMu / (power + nlmsEps)
		for t := 0; t < filterLen; t++ {
			e.taps[t] += step * err * e.history[t]
		}

		v := err * sampleNorm
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out = append(out, int16(v))
	}

	e.leftover = append([]int16(nil), nearBuf[n:]...)
	e.farLeft = append([]int16(nil), farBuf[n:]...)
	return out
}

func (e *echoCanceller) Reset() {
	for i := range e.taps {
		e.taps[i] = 0
	}
	for i := range e.history {
		e.history[i] = 0
	}
	e.leftover = nil
	e.farLeft = nil
	e.gate.Reset()
}
