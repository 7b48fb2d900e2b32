// Package session owns the Idle/Recording/Processing state machine that
// ties capture, inference, history, and notifications together.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxielabs/voxie-core/internal/audio"
	"github.com/voxielabs/voxie-core/internal/history"
	"github.com/voxielabs/voxie-core/internal/model"
	"github.com/voxielabs/voxie-core/internal/protocol"
)

// State is the session's position in the capture/transcribe cycle.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
)

var (
	// ErrAlreadyRecording means StartRecording ran while recording.
	ErrAlreadyRecording = errors.New("session: already recording")
	// ErrNotRecording means StopRecording ran with no live recording.
	ErrNotRecording = errors.New("session: not recording")
	// ErrInvalidState means the operation does not apply in the current
	// state, e.g. starting a recording while one is being processed.
	ErrInvalidState = errors.New("session: operation not valid in current state")
	// ErrNoAudio means the recording produced zero samples.
	ErrNoAudio = errors.New("session: no audio captured")
)

// Transcription modes recorded on history items.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

// Recorder is the microphone capture surface the service drives.
type Recorder interface {
	Start() error
	Stop() (audio.Clip, error)
	BufferLen() int
	Active() bool
}

// Local runs on-device inference over a finished clip.
type Local interface {
	Run(ctx context.Context, samples []float32) (string, error)
}

// Cloud sends a finished clip to a hosted provider.
type Cloud interface {
	Transcribe(ctx context.Context, samples []float32, language string) (string, error)
	Configured() bool
}

// Publisher emits daemon notifications. A nil publisher is allowed and
// drops everything.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Options configures a Service.
type Options struct {
	Mode     string // local or cloud
	Language string
	// Model is the default tier loaded on demand when the local path
	// runs with no resident model.
	Model    string
	MaxItems int
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State           State  `json:"state"`
	DurationMS      int64  `json:"duration_ms"`
	BufferedSamples int    `json:"buffered_samples"`
	Mode            string `json:"mode"`
	Model           string `json:"model,omitempty"`
	ModelLoaded     bool   `json:"model_loaded"`
}

// Service coordinates one recording session at a time. The state lock
// is never held across capture or inference; blocking work happens
// between lock regions and state is re-settled afterwards.
type Service struct {
	log    *slog.Logger
	rec    Recorder
	local  Local
	cloud  Cloud
	models *model.Manager
	store  *history.Store
	pub    Publisher
	opts   Options

	clock func() time.Time
	newID func() string

	mu       sync.Mutex
	state    State
	recStart time.Time
	pending  audio.Clip
	// busy marks the pending buffer as claimed by an in-progress stop
	// or transcribe, so concurrent callers cannot consume it twice.
	busy  bool
	items []protocol.HistoryItem

	transcriptions metric.Int64Counter
	failures       metric.Int64Counter
	recordings     metric.Int64Counter
}

// New builds a session service and warms the in-memory history from the
// store.
func New(ctx context.Context, log *slog.Logger, rec Recorder, local Local, cloud Cloud, models *model.Manager, store *history.Store, pub Publisher, opts Options) (*Service, error) {
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 100
	}

	meter := otel.Meter("voxie.session")
	transcriptions, err := meter.Int64Counter("voxie_transcriptions_total",
		metric.WithDescription("Completed transcriptions"))
	if err != nil {
		return nil, fmt.Errorf("session: create counter: %w", err)
	}
	failures, err := meter.Int64Counter("voxie_transcription_failures_total",
		metric.WithDescription("Failed transcriptions"))
	if err != nil {
		return nil, fmt.Errorf("session: create counter: %w", err)
	}
	recordings, err := meter.Int64Counter("voxie_recordings_total",
		metric.WithDescription("Started recordings"))
	if err != nil {
		return nil, fmt.Errorf("session: create counter: %w", err)
	}

	s := &Service{
		log:            log.With(slog.String("component", "session")),
		rec:            rec,
		local:          local,
		cloud:          cloud,
		models:         models,
		store:          store,
		pub:            pub,
		opts:           opts,
		clock:          time.Now,
		newID:          func() string { return uuid.NewString() },
		state:          StateIdle,
		transcriptions: transcriptions,
		failures:       failures,
		recordings:     recordings,
	}

	if store != nil {
		items, err := store.List(ctx, opts.MaxItems)
		if err != nil {
			return nil, fmt.Errorf("session: load history: %w", err)
		}
		s.items = items
	}
	return s, nil
}

// StartRecording transitions Idle to Recording and opens the capture
// stream.
func (s *Service) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRecording:
		s.mu.Unlock()
		return ErrAlreadyRecording
	case StateProcessing:
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = StateRecording
	s.recStart = s.clock()
	s.mu.Unlock()

	if err := s.rec.Start(); err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("session: start capture: %w", err)
	}

	s.recordings.Add(ctx, 1)
	s.log.Info("recording started")
	return nil
}

// StopRecording closes the stream, stashes the normalized clip, and
// moves to Processing. The clip waits for Transcribe. The transition
// is claimed inside the first critical section, so a losing concurrent
// stop gets ErrNotRecording instead of racing the capture teardown.
func (s *Service) StopRecording(ctx context.Context) (audio.Clip, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return audio.Clip{}, ErrNotRecording
	}
	s.state = StateProcessing
	s.busy = true
	s.mu.Unlock()

	clip, err := s.rec.Stop()

	s.mu.Lock()
	s.busy = false
	if err != nil {
		s.state = StateIdle
		s.mu.Unlock()
		return audio.Clip{}, fmt.Errorf("session: stop capture: %w", err)
	}
	s.pending = clip
	s.mu.Unlock()

	s.log.Info("recording stopped",
		slog.Int("samples", len(clip.Samples)),
		slog.Int64("duration_ms", clip.DurationMS()))
	return clip, nil
}

// Transcribe consumes the pending clip. Whatever the outcome, the
// session returns to Idle and the clip is dropped; a failed run is
// never retried against stale audio. The clip is claimed under the
// lock, so of two concurrent calls exactly one runs inference and the
// other gets ErrInvalidState.
func (s *Service) Transcribe(ctx context.Context) (protocol.HistoryItem, error) {
	s.mu.Lock()
	if s.state != StateProcessing || s.busy {
		s.mu.Unlock()
		return protocol.HistoryItem{}, ErrInvalidState
	}
	s.busy = true
	clip := s.pending
	s.mu.Unlock()

	item, err := s.transcribeClip(ctx, clip)

	s.mu.Lock()
	s.busy = false
	s.pending = audio.Clip{}
	s.state = StateIdle
	if err == nil {
		s.items = append([]protocol.HistoryItem{item}, s.items...)
		if len(s.items) > s.opts.MaxItems {
			s.items = s.items[:s.opts.MaxItems]
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", s.opts.Mode)))
		return protocol.HistoryItem{}, err
	}

	if s.store != nil {
		if serr := s.store.Append(ctx, item); serr != nil {
			s.log.Warn("persist history item", slog.String("error", serr.Error()))
		}
	}
	if s.pub != nil {
		if perr := s.pub.PublishJSON(protocol.SubjectTranscriptionCreated, item); perr != nil {
			s.log.Warn("publish transcription", slog.String("error", perr.Error()))
		}
	}
	s.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", item.Mode)))
	s.log.Info("transcription recorded",
		slog.String("id", item.ID),
		slog.String("mode", item.Mode),
		slog.Int("text_len", len(item.Text)))
	return item, nil
}

// StopAndTranscribe is the common stop-then-transcribe flow as one call.
func (s *Service) StopAndTranscribe(ctx context.Context) (protocol.HistoryItem, error) {
	if _, err := s.StopRecording(ctx); err != nil {
		return protocol.HistoryItem{}, err
	}
	return s.Transcribe(ctx)
}

func (s *Service) transcribeClip(ctx context.Context, clip audio.Clip) (protocol.HistoryItem, error) {
	if len(clip.Samples) == 0 {
		return protocol.HistoryItem{}, ErrNoAudio
	}

	var (
		text string
		err  error
	)
	mode := s.opts.Mode
	switch mode {
	case ModeCloud:
		text, err = s.cloud.Transcribe(ctx, clip.Samples, s.opts.Language)
	default:
		if lerr := s.ensureModel(ctx); lerr != nil {
			return protocol.HistoryItem{}, lerr
		}
		text, err = s.local.Run(ctx, clip.Samples)
	}
	if err != nil {
		return protocol.HistoryItem{}, err
	}

	item := protocol.HistoryItem{
		ID:         s.newID(),
		Text:       text,
		Timestamp:  s.clock().UTC(),
		DurationMS: clip.DurationMS(),
		Mode:       mode,
	}
	if mode == ModeLocal && s.models != nil {
		if id, ok := s.models.Current(); ok {
			item.ModelName = string(id)
		}
	}
	return item, nil
}

// ensureModel loads the configured default model on first use. With no
// configured default the executor's not-loaded error surfaces instead.
func (s *Service) ensureModel(ctx context.Context) error {
	if s.models == nil || s.models.Loaded() || s.opts.Model == "" {
		return nil
	}
	id, err := model.Parse(s.opts.Model)
	if err != nil {
		return nil
	}
	s.log.Info("loading default model on demand", slog.String("model", string(id)))
	return s.models.EnsureLoaded(ctx, id)
}

// Status reports the current state with a duration estimate: elapsed
// wall time while recording, clip length while processing. The
// recorder and the model manager are queried outside the state lock so
// a status poll never waits on capture or inference.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state, Mode: s.opts.Mode}
	recStart := s.recStart
	if s.state == StateProcessing {
		st.DurationMS = s.pending.DurationMS()
		st.BufferedSamples = len(s.pending.Samples)
	}
	s.mu.Unlock()

	if st.State == StateRecording {
		st.DurationMS = s.clock().Sub(recStart).Milliseconds()
		st.BufferedSamples = s.rec.BufferLen()
	}
	if s.models != nil {
		if id, ok := s.models.Current(); ok {
			st.Model = string(id)
			st.ModelLoaded = true
		}
	}
	return st
}

// History returns retained items, newest first.
func (s *Service) History() []protocol.HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.HistoryItem, len(s.items))
	copy(out, s.items)
	return out
}

// ClearHistory drops all retained items, in memory and on disk.
func (s *Service) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
	if s.store != nil {
		return s.store.Clear(ctx)
	}
	return nil
}

// DeleteHistoryItem removes one item by ID.
func (s *Service) DeleteHistoryItem(ctx context.Context, id string) error {
	s.mu.Lock()
	found := false
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		err := s.store.Delete(ctx, id)
		if err != nil && !errors.Is(err, history.ErrNotFound) {
			return err
		}
		if err == nil {
			found = true
		}
	}
	if !found {
		return history.ErrNotFound
	}
	return nil
}
