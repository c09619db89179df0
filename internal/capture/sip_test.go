package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooksLikeSIP(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{"INVITE request", []byte("INVITE sip:1004@pbx SIP/2.0\r\n"), true},
		{"REGISTER request", []byte("REGISTER sip:pbx SIP/2.0\r\n"), true},
		{"200 OK response", []byte("SIP/2.0 200 OK\r\n"), true},
		{"BYE request", []byte("BYE sip:1004@pbx SIP/2.0\r\n"), true},
		{"HTTP request", []byte("GET /index.html HTTP/1.1\r\n"), false},
		{"random data", []byte("some random data"), false},
		{"empty", []byte(""), false},
		{"too short", []byte("INVITE"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, looksLikeSIP(tt.data))
		})
	}
}

const inviteWithSDP = "INVITE sip:8001@100.120.241.10 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 100.120.241.1:5060;branch=z9hG4bK776asdhds\r\n" +
	"From: \"Zhang\" <sip:1004@100.120.241.10>;tag=1928301774\r\n" +
	"To: <sip:8001@100.120.241.10>\r\n" +
	"Call-ID: a84b4c76e66710@pbx.example.com\r\n" +
	"Contact: <sip:1004@100.120.241.1:5060>\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Type: application/sdp\r\n" +
	"\r\n" +
	"v=0\r\n" +
	"o=- 0 0 IN IP4 100.120.241.1\r\n" +
	"c=IN IP4 100.120.241.1\r\n" +
	"m=audio 14316 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestParseSIPInvite(t *testing.T) {
	msg, err := parseSIPMessage([]byte(inviteWithSDP))
	require.NoError(t, err)

	assert.True(t, msg.isRequest())
	assert.Equal(t, "INVITE", msg.method)
	assert.Equal(t, "a84b4c76e66710@pbx.example.com", msg.callID)
	assert.Equal(t, "1004", extractExtension(msg.from))
	assert.Equal(t, "8001", extractExtension(msg.to))
	assert.Equal(t, uint16(14316), msg.mediaPort)
	assert.Len(t, msg.via, 1)
}

func TestParseSIPResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP 100.120.241.1:5060\r\n" +
		"Call-ID: xyz@host\r\n" +
		"\r\n"
	msg, err := parseSIPMessage([]byte(raw))
	require.NoError(t, err)

	assert.False(t, msg.isRequest())
	assert.Equal(t, 200, msg.statusCode)
	assert.Equal(t, "xyz@host", msg.callID)
}

func TestParseSIPCompactHeaders(t *testing.T) {
	raw := "BYE sip:1004@pbx SIP/2.0\r\n" +
		"i: compact-call-id\r\n" +
		"f: <sip:1004@pbx>\r\n" +
		"t: <sip:8001@pbx>\r\n" +
		"v: SIP/2.0/UDP host:5060\r\n" +
		"\r\n"
	msg, err := parseSIPMessage([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "BYE", msg.method)
	assert.Equal(t, "compact-call-id", msg.callID)
	assert.Equal(t, "1004", extractExtension(msg.from))
}

func TestParseSIPFoldedHeader(t *testing.T) {
	raw := "INVITE sip:8001@pbx SIP/2.0\r\n" +
		"Call-ID: folded@host\r\n" +
		"From: <sip:1004@pbx>\r\n" +
		"Via: SIP/2.0/UDP host:5060;\r\n" +
		" branch=z9hG4bK776\r\n" +
		"\r\n"
	msg, err := parseSIPMessage([]byte(raw))
	require.NoError(t, err)

	require.Len(t, msg.via, 1)
	assert.Contains(t, msg.via[0], "branch=z9hG4bK776")
}

func TestParseSIPErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing call id", "INVITE sip:8001@pbx SIP/2.0\r\nFrom: <sip:1@pbx>\r\n\r\n"},
		{"garbage start line", "NOT A SIP LINE AT ALL\r\nCall-ID: x\r\n\r\n"},
		{"bad status code", "SIP/2.0 abc OK\r\nCall-ID: x\r\n\r\n"},
		{"too short", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSIPMessage([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParserIdempotentOnCanonicalForm(t *testing.T) {
	first, err := parseSIPMessage([]byte(inviteWithSDP))
	require.NoError(t, err)

	second, err := parseSIPMessage(first.canonical())
	require.NoError(t, err)

	assert.Equal(t, first.method, second.method)
	assert.Equal(t, first.callID, second.callID)
	assert.Equal(t, first.from, second.from)
	assert.Equal(t, first.to, second.to)
	assert.Equal(t, first.contact, second.contact)
	assert.Equal(t, first.via, second.via)
	assert.Equal(t, first.mediaPort, second.mediaPort)

	// A second round trip changes nothing.
	third, err := parseSIPMessage(second.canonical())
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestExtractExtension(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{`"Zhang" <sip:1004@100.120.241.10>;tag=19`, "1004"},
		{`<sip:8001@pbx>`, "8001"},
		{`<sip:operator@pbx>`, ""},
		{`no uri here`, ""},
		{`<sip:@pbx>`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, extractExtension(tt.header), tt.header)
	}
}

func TestParseSDPAudioPort(t *testing.T) {
	body := []byte("v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 12000 RTP/AVP 0\r\nm=video 13000 RTP/AVP 96\r\n")
	assert.Equal(t, uint16(12000), parseSDPAudioPort(body))

	assert.Equal(t, uint16(0), parseSDPAudioPort([]byte("v=0\r\n")))
	assert.Equal(t, uint16(0), parseSDPAudioPort([]byte("m=audio notaport RTP/AVP 0\r\n")))
}
