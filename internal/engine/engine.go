// Package engine defines the speech-to-text engine contract and its
// concrete backends. An Engine is bound to a single loaded model; the
// model manager owns engine lifecycle and swaps engines when the active
// model changes.
package engine

import "context"

// Options tunes a single transcription call.
type Options struct {
	// Language is a two-letter code, or "auto" to let the model detect it.
	Language string
	// Threads caps decoder parallelism. Zero lets the backend pick.
	Threads int
	// SingleSegment forces one output segment, which speeds up short
	// clips at the cost of long-form accuracy.
	SingleSegment bool
}

// Engine transcribes 16 kHz mono float32 PCM to text.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) (string, error)
	Close() error
}

// Factory builds an Engine for the model file at path.
type Factory func(modelPath string) (Engine, error)
