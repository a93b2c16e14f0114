package stt

import (
	"context"
)

// Result captures recognizer output for one batch.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Implementations must not retain audio
// after Transcribe returns.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte) (Result, error)
}
