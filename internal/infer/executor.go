// Package infer runs transcription requests through the loaded model
// with pre-inference gating and a hard timeout.
package infer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxielabs/voxie-core/internal/audio"
	"github.com/voxielabs/voxie-core/internal/engine"
	"github.com/voxielabs/voxie-core/internal/model"
)

var (
	// ErrEmptyAudio means the clip has no samples at all.
	ErrEmptyAudio = errors.New("infer: no audio captured")
	// ErrSilentAudio means the clip's energy is below the silence
	// floor; running the model would only hallucinate text.
	ErrSilentAudio = errors.New("infer: audio is silent")
	// ErrTimeout means inference exceeded the configured deadline.
	ErrTimeout = errors.New("infer: transcription timed out")
)

// DefaultTimeout bounds a single inference run.
const DefaultTimeout = 120 * time.Second

// shortClipSeconds is the threshold under which single-segment decoding
// is forced; short utterances decode faster that way.
const shortClipSeconds = 5

// Executor gates and times transcription runs. Inference happens on a
// worker goroutine; when the deadline fires the worker is abandoned and
// runs to completion in the background, its result dropped.
type Executor struct {
	log      *slog.Logger
	models   *model.Manager
	language string
	timeout  time.Duration
	duration metric.Float64Histogram
}

// New builds an executor. timeout <= 0 selects DefaultTimeout.
func New(log *slog.Logger, models *model.Manager, language string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	duration, err := otel.Meter("voxie.infer").Float64Histogram(
		"voxie_inference_duration_seconds",
		metric.WithDescription("Wall time of completed inference runs"))
	if err != nil {
		log.Warn("create inference histogram", slog.String("error", err.Error()))
	}
	return &Executor{
		log:      log.With(slog.String("component", "infer")),
		models:   models,
		language: language,
		timeout:  timeout,
		duration: duration,
	}
}

// Timeout returns the configured inference deadline.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Run transcribes a 16 kHz mono clip. Empty and silent clips are
// rejected before touching the model. An empty transcription of real
// audio is a valid result, not an error.
func (e *Executor) Run(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", ErrEmptyAudio
	}
	if !e.models.Loaded() {
		return "", model.ErrNotLoaded
	}
	rms := audio.RMS(samples)
	if rms < audio.SilenceRMS {
		e.log.Info("skipping silent clip", slog.Float64("rms", rms))
		return "", ErrSilentAudio
	}

	opts := engine.Options{
		Language:      e.language,
		Threads:       inferenceThreads(),
		SingleSegment: len(samples) < shortClipSeconds*audio.TargetSampleRate,
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		text, err := e.models.RunInference(ctx, samples, opts)
		done <- result{text: text, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("infer: run: %w", res.err)
		}
		if e.duration != nil {
			e.duration.Record(ctx, time.Since(start).Seconds())
		}
		e.log.Info("transcription complete",
			slog.Int("samples", len(samples)),
			slog.Duration("elapsed", time.Since(start)),
			slog.Int("text_len", len(res.text)))
		return res.text, nil
	case <-timer.C:
		e.log.Error("inference deadline exceeded",
			slog.Duration("timeout", e.timeout))
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// inferenceThreads caps decoder threads; beyond 8 the decoder gains
// nothing and starves the rest of the process.
func inferenceThreads() int {
	n := runtime.NumCPU()
	if n > 8 {
		return 8
	}
	return n
}
