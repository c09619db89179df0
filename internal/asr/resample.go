// Package asr implements the recognition worker: it consumes voice
// segments, runs optional echo cancellation or noise gating, resamples to
// the recognizer's rate, and publishes recognized-text events.
package asr

import (
	"encoding/binary"
	"math"
)

// The recognizer consumes 16 kHz float32; capture produces 8 kHz s16le.
const (
	captureRate   = 8000
	recognizeRate = 16000
)

// Upsampling ×2 is zero-stuffing followed by a low-pass FIR at the original
// Nyquist. 63 taps of a Hamming-windowed sinc keeps the passband flat
// enough for speech while staying cheap per segment.
const firTaps = 63

var firLowpass [firTaps]float64

func init() {
	// Windowed sinc, cutoff at 1/4 of the 16 kHz rate (= 4 kHz), gain 2 to
	// compensate for the zero-stuffed energy loss.
	const cutoff = 0.25
	mid := firTaps / 2
	var sum float64
	for i := 0; i < firTaps; i++ {
		n := float64(i - mid)
		var v float64
		if n == 0 {
			v = 2 * cutoff
		} else {
			v = math.Sin(2*math.Pi*cutoff*n) / (math.Pi * n)
		}
		// Hamming window
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(firTaps-1))
		firLowpass[i] = v
		sum += v
	}
	for i := range firLowpass {
		firLowpass[i] *= 2 / sum
	}
}

// pcmToSamples converts s16le bytes to int16 samples.
func pcmToSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// samplesToPCM converts int16 samples back to s16le bytes.
func samplesToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// resample16k upsamples 8 kHz samples to 16 kHz float32 in [−1, 1].
func resample16k(in []int16) []float32 {
	if len(in) == 0 {
		return nil
	}

	// Zero-stuff to 16 kHz.
	stuffed := make([]float64, len(in)*2)
	for i, s := range in {
		stuffed[i*2] = float64(s) / 32768.0
	}

	// Convolve with the low-pass, same-length output.
	out := make([]float32, len(stuffed))
	mid := firTaps / 2
	for i := range stuffed {
		var acc float64
		for t := 0; t < firTaps; t++ {
			j := i + mid - t
			if j < 0 || j >= len(stuffed) {
				continue
			}
			acc += firLowpass[t] * stuffed[j]
		}
		if acc > 1 {
			acc = 1
		} else if acc < -1 {
			acc = -1
		}
		out[i] = float32(acc)
	}
	return out
}
