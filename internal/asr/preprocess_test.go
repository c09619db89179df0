package asr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBypassPassesThrough(t *testing.T) {
	p := NewPreprocessor("bypass")
	in := []int16{1, 2, 3, -4, 5}
	assert.Equal(t, in, p.Process(in, nil))
}

func TestNoiseGateLeftoverBuffering(t *testing.T) {
	p := NewPreprocessor("noisegate")

	// 85 samples: one whole 10 ms frame processed, 5 buffered.
	in := make([]int16, 85)
	for i := range in {
		in[i] = 10000
	}
	out := p.Process(in, nil)
	assert.Len(t, out, 80)

	// The buffered 5 samples join the next chunk: 5+75 = one more frame.
	out = p.Process(in[:75], nil)
	assert.Len(t, out, 80)
}

func TestNoiseGatePassesLoudFrames(t *testing.T) {
	g := newNoiseGate()

	loud := make([]int16, frameSamples)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 12000
		} else {
			loud[i] = -12000
		}
	}
	out := g.Process(loud, nil)
	require.Len(t, out, frameSamples)
	assert.Equal(t, loud, out, "speech-level frames pass untouched")
}

func TestNoiseGateAttenuatesSilence(t *testing.T) {
	g := newNoiseGate()

	// Train the floor on near-silence, then verify attenuation.
	quiet := make([]int16, frameSamples*20)
	for i := range quiet {
		quiet[i] = int16(i%3 - 1) // ±1 dither
	}
	out := g.Process(quiet, nil)
	require.Len(t, out, len(quiet))

	var maxOut int16
	for _, s := range out[len(out)-frameSamples:] {
		if s > maxOut {
			maxOut = s
		}
	}
	assert.LessOrEqual(t, maxOut, int16(1), "gated frames are attenuated")
}

func TestEchoCancellerReducesLinearEcho(t *testing.T) {
	e := newEchoCanceller()

	// Near end is a pure scaled copy of the far end: an ideal echo. After
	// adaptation the residual must be well below the raw echo level.
	far := make([]int16, captureRate) // 1 s
	for i := range far {
		far[i] = int16(6000 * math.Sin(2*math.Pi*440*float64(i)/captureRate))
	}
	near := make([]int16, len(far))
	for i := range far {
		near[i] = far[i] / 2
	}

	out := e.Process(near, far)
	require.NotEmpty(t, out)

	tail := out[len(out)-frameSamples:]
	residual := frameRMS(tail)
	echo := frameRMS(near[len(near)-frameSamples:])
	assert.Less(t, residual, echo/4, "NLMS should cancel most of a linear echo")
}

func TestEchoCancellerWithoutReferenceFallsBack(t *testing.T) {
	e := newEchoCanceller()

	loud := make([]int16, frameSamples*4)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 11000
		} else {
			loud[i] = -11000
		}
	}
	out := e.Process(loud, nil)
	assert.Len(t, out, len(loud), "no reference degrades to the noise gate")
}

func TestPreprocessorReset(t *testing.T) {
	p := NewPreprocessor("noisegate")
	p.Process(make([]int16, 85), nil)
	p.Reset()
	out := p.Process(make([]int16, 80), nil)
	assert.Len(t, out, 80, "no leftover survives a reset")
}

func TestResample16kLengthAndScale(t *testing.T) {
	in := make([]int16, 800) // 100 ms at 8 kHz
	for i := range in {
		in[i] = 16384
	}
	out := resample16k(in)
	require.Len(t, out, 1600)

	// DC level is preserved in the filter's steady-state region.
	mid := out[len(out)/2]
	assert.InDelta(t, 0.5, float64(mid), 0.05)

	// Output stays within [-1, 1].
	for _, v := range out {
		assert.LessOrEqual(t, float64(v), 1.0)
		assert.GreaterOrEqual(t, float64(v), -1.0)
	}

	assert.Nil(t, resample16k(nil))
}

func TestPCMConversionRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	assert.Equal(t, samples, pcmToSamples(samplesToPCM(samples)))
}
