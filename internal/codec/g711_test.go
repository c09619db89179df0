package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilenceDecodesQuiet(t *testing.T) {
	assert.Equal(t, int16(0), PCMU.DecodeSample(SilenceULaw), "µ-law 0xFF must decode to digital zero")
	// A-law has no true zero; 0xD5 is the quietest positive code.
	assert.Equal(t, int16(8), PCMA.DecodeSample(SilenceALaw))
}

func TestUlawRoundTrip(t *testing.T) {
	// Every µ-law byte except negative zero (0x7F) survives
	// decode → encode unchanged. 0x7F and 0xFF both decode to 0,
	// which re-encodes to the canonical 0xFF.
	for i := 0; i < 256; i++ {
		b := byte(i)
		got := PCMU.EncodeSample(PCMU.DecodeSample(b))
		if b == 0x7F {
			assert.Equal(t, byte(0xFF), got)
			continue
		}
		assert.Equalf(t, b, got, "µ-law byte 0x%02X", b)
	}
}

func TestAlawRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		got := PCMA.EncodeSample(PCMA.DecodeSample(b))
		assert.Equalf(t, b, got, "A-law byte 0x%02X", b)
	}
}

func TestDecodeMonotonic(t *testing.T) {
	// Within the positive µ-law half, decoded magnitude grows with the
	// (complemented) code.
	prev := PCMU.DecodeSample(0xFF) // smallest positive
	for code := 0xFE; code >= 0x80; code-- {
		cur := PCMU.DecodeSample(byte(code))
		assert.Greater(t, cur, prev, "code 0x%02X", code)
		prev = cur
	}
}

func TestDecodePayload(t *testing.T) {
	payload := []byte{0xFF, 0xFF, 0x00, 0x80}
	pcm := PCMU.Decode(payload)
	require.Len(t, pcm, 8)

	// First two samples are silence.
	assert.Equal(t, []byte{0, 0, 0, 0}, pcm[:4])

	// Decode → Encode restores the payload.
	assert.Equal(t, payload, PCMU.Encode(pcm))
}

func TestDecodeRange(t *testing.T) {
	// Loudest µ-law codes (stored complemented): 0x00 → most negative, 0x80 → most positive.
	assert.Equal(t, int16(-32124), PCMU.DecodeSample(0x00))
	assert.Equal(t, int16(32124), PCMU.DecodeSample(0x80))

	// Loudest A-law codes.
	assert.Equal(t, int16(-32256), PCMA.DecodeSample(0x2A))
	assert.Equal(t, int16(32256), PCMA.DecodeSample(0xAA))
}

func TestFromPayloadType(t *testing.T) {
	c, err := FromPayloadType(0)
	require.NoError(t, err)
	assert.Equal(t, PCMU, c)
	assert.Equal(t, SilenceULaw, c.SilenceByte())

	c, err = FromPayloadType(8)
	require.NoError(t, err)
	assert.Equal(t, PCMA, c)
	assert.Equal(t, SilenceALaw, c.SilenceByte())

	_, err = FromPayloadType(18)
	assert.Error(t, err)
}
