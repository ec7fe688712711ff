package synth

import (
	"context"
	"fmt"
)

// Request contains parameters to synthesize one speakable chunk.
type Request struct {
	Text   string
	Voice  string
	Speed  float64
	Format string
}

// Result holds the produced audio.
type Result struct {
	Audio    []byte
	MimeType string
}

// Synthesizer is the contract for producing audio from text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// SynthesisError wraps provider failures so callers can tell them apart from
// local errors and fail the owning playback request.
type SynthesisError struct {
	Provider string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed (%s): %v", e.Provider, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// MimeForFormat maps a provider audio format to its mime type.
func MimeForFormat(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "ogg", "opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
