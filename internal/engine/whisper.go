package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperEngine runs whisper.cpp in-process through the Go bindings. The
// model stays resident between calls; each call gets a fresh decoding
// context.
type whisperEngine struct {
	model whisper.Model
}

// NewWhisper loads a ggml model file into memory.
func NewWhisper(modelPath string) (Engine, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load whisper model %q: %w", modelPath, err)
	}
	return &whisperEngine{model: model}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("engine: create whisper context: %w", err)
	}

	if opts.Language != "" && opts.Language != "auto" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return "", fmt.Errorf("engine: set language %q: %w", opts.Language, err)
		}
	}
	if opts.Threads > 0 {
		wctx.SetThreads(uint(opts.Threads))
	}
	wctx.SetTranslate(false)
	wctx.SetSingleSegment(opts.SingleSegment)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("engine: process audio: %w", err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("engine: read segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}
	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func (e *whisperEngine) Close() error {
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
