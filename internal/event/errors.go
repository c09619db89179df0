// Package event defines sentinel errors shared across components.
package event

import "errors"

var (
	// Capture errors
	ErrNotRTP        = errors.New("strix: datagram is not RTP")
	ErrUnknownCall   = errors.New("strix: packet for unmapped call")
	ErrAmbiguousCall = errors.New("strix: multiple active calls share source IP")

	// Transport errors
	ErrFrameTruncated = errors.New("strix: multipart frame truncated")
	ErrFrameParts     = errors.New("strix: multipart frame has invalid part count")

	// ASR worker errors
	ErrRecognizerDown = errors.New("strix: recognizer unavailable")

	// Ticket proxy errors
	ErrUpstreamTimeout = errors.New("strix: summarizer timeout")
	ErrUpstreamInvalid = errors.New("strix: summarizer returned unexpected schema")
)
