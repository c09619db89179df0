package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"firestige.xyz/strix/internal/event"
)

// Result is one recognition outcome. VADStartMS is the offset of the first
// voice activity inside the submitted chunk, as reported by the model's VAD.
type Result struct {
	Text       string  `json:"text"`
	VADStartMS float64 `json:"vad_start_ms"`
}

// Recognizer is the black-box ASR model boundary.
type Recognizer interface {
	Recognize(ctx context.Context, samples []float32) (Result, error)
}

// httpRecognizer talks to a model server over HTTP. The request body is raw
// s16le 16 kHz PCM; the response is the Result JSON.
type httpRecognizer struct {
	url    string
	client *http.Client
}

// NewHTTPRecognizer builds the production recognizer and probes the model
// server once. A failed probe is returned as ErrRecognizerDown, which the
// asr command treats as fatal.
func NewHTTPRecognizer(url string, timeout time.Duration) (Recognizer, error) {
	r := &httpRecognizer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrRecognizerDown, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrRecognizerDown, err)
	}
	resp.Body.Close()

	return r, nil
}

func (r *httpRecognizer) Recognize(ctx context.Context, samples []float32) (Result, error) {
	body := float32ToPCM16(samples)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("recognize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Result{}, fmt.Errorf("recognize: model server returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("recognize: decode result: %w", err)
	}
	return result, nil
}

// float32ToPCM16 converts normalized samples to s16le bytes for the wire.
func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
