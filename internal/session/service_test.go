package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/voxielabs/voxie-core/internal/audio"
	"github.com/voxielabs/voxie-core/internal/engine"
	"github.com/voxielabs/voxie-core/internal/history"
	"github.com/voxielabs/voxie-core/internal/infer"
	"github.com/voxielabs/voxie-core/internal/model"
	"github.com/voxielabs/voxie-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRecorder yields a canned raw buffer, normalized on Stop the same
// way the real capture does.
type fakeRecorder struct {
	mu       sync.Mutex
	raw      []float32
	rate     int
	channels int
	active   bool
	startErr error
	stopErr  error
}

func speechRecorder() *fakeRecorder {
	// Two seconds of audible 48 kHz stereo.
	raw := make([]float32, 2*48000*2)
	for i := range raw {
		raw[i] = 0.3
	}
	return &fakeRecorder{raw: raw, rate: 48000, channels: 2}
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.active = true
	return nil
}

func (r *fakeRecorder) Stop() (audio.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	if r.stopErr != nil {
		return audio.Clip{}, r.stopErr
	}
	samples := audio.Resample(r.raw, r.rate, r.channels, audio.TargetSampleRate)
	rms := audio.RMS(samples)
	return audio.Clip{
		Samples:    samples,
		SampleRate: audio.TargetSampleRate,
		RMS:        rms,
		LowEnergy:  rms < audio.SilenceRMS,
	}, nil
}

func (r *fakeRecorder) BufferLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.raw)
}

func (r *fakeRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (p *capturingPublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, v)
	return nil
}

// loadedExecutor wires a stub engine behind a real manager and executor.
func loadedExecutor(t *testing.T, stub *engine.Stub) (*infer.Executor, *model.Manager) {
	t.Helper()
	dir := t.TempDir()
	data := make([]byte, model.MinFileBytes)
	if err := os.WriteFile(model.Tiny.Path(dir), data, 0o644); err != nil {
		t.Fatal(err)
	}
	m := model.NewManager(testLogger(), func(string) (engine.Engine, error) {
		return stub, nil
	}, dir, nil)
	if err := m.EnsureLoaded(context.Background(), model.Tiny); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return infer.New(testLogger(), m, "auto", 0), m
}

func newTestService(t *testing.T, rec Recorder, stub *engine.Stub, pub Publisher) *Service {
	t.Helper()
	exec, mgr := loadedExecutor(t, stub)
	svc, err := New(context.Background(), testLogger(), rec, exec, nil, mgr, nil, pub, Options{MaxItems: 5})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestRecordStopTranscribeEndToEnd(t *testing.T) {
	pub := &capturingPublisher{}
	svc := newTestService(t, speechRecorder(), &engine.Stub{Text: "hello world"}, pub)
	ctx := context.Background()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if svc.Status().State != StateRecording {
		t.Fatalf("state = %s", svc.Status().State)
	}

	clip, err := svc.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := len(clip.Samples) - 32000; diff < -1 || diff > 1 {
		t.Fatalf("expected ~32000 samples, got %d", len(clip.Samples))
	}
	if svc.Status().State != StateProcessing {
		t.Fatalf("state = %s", svc.Status().State)
	}

	item, err := svc.Transcribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if item.Text != "hello world" {
		t.Fatalf("text = %q", item.Text)
	}
	if item.Mode != ModeLocal || item.ModelName != "tiny" {
		t.Fatalf("item = %+v", item)
	}
	if diff := item.DurationMS - 2000; diff < -5 || diff > 5 {
		t.Fatalf("duration = %d", item.DurationMS)
	}
	if item.ID == "" || item.Timestamp.IsZero() {
		t.Fatalf("item missing identity: %+v", item)
	}

	if svc.Status().State != StateIdle {
		t.Fatalf("state after transcribe = %s", svc.Status().State)
	}
	if got := svc.History(); len(got) != 1 || got[0].ID != item.ID {
		t.Fatalf("history = %v", got)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != protocol.SubjectTranscriptionCreated {
		t.Fatalf("published = %v", pub.subjects)
	}
}

func TestStateMachineRejections(t *testing.T) {
	svc := newTestService(t, speechRecorder(), &engine.Stub{Text: "x"}, nil)
	ctx := context.Background()

	if _, err := svc.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("stop while idle: %v", err)
	}
	if _, err := svc.Transcribe(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("transcribe while idle: %v", err)
	}

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if err := svc.StartRecording(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("double start: %v", err)
	}

	if _, err := svc.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if err := svc.StartRecording(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start while processing: %v", err)
	}
	if _, err := svc.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("stop while processing: %v", err)
	}
}

func TestEmptyRecordingReturnsErrNoAudio(t *testing.T) {
	rec := &fakeRecorder{rate: 48000, channels: 2}
	svc := newTestService(t, rec, &engine.Stub{Text: "x"}, nil)
	ctx := context.Background()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := svc.StopAndTranscribe(ctx)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	if svc.Status().State != StateIdle {
		t.Fatal("failed transcription must return to idle")
	}
	if len(svc.History()) != 0 {
		t.Fatal("failure must not create history")
	}
}

func TestTimeoutResetsToIdleAndDropsClip(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, model.MinFileBytes)
	if err := os.WriteFile(model.Tiny.Path(dir), data, 0o644); err != nil {
		t.Fatal(err)
	}
	stub := &engine.Stub{Text: "late", Delay: time.Minute}
	mgr := model.NewManager(testLogger(), func(string) (engine.Engine, error) {
		return stub, nil
	}, dir, nil)
	if err := mgr.EnsureLoaded(context.Background(), model.Tiny); err != nil {
		t.Fatal(err)
	}
	exec := infer.New(testLogger(), mgr, "auto", 20*time.Millisecond)
	svc, err := New(context.Background(), testLogger(), speechRecorder(), exec, nil, mgr, nil, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// Cancelling afterwards releases the abandoned inference worker.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = svc.StopAndTranscribe(ctx)
	if !errors.Is(err, infer.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if svc.Status().State != StateIdle {
		t.Fatal("timeout must reset to idle")
	}
	if _, err := svc.Transcribe(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatal("pending clip must be cleared after timeout")
	}
}

func TestSilentRecordingIsRejectedBeforeInference(t *testing.T) {
	rec := &fakeRecorder{raw: make([]float32, 48000), rate: 48000, channels: 1}
	stub := &engine.Stub{Text: "phantom"}
	svc := newTestService(t, rec, stub, nil)
	ctx := context.Background()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := svc.StopAndTranscribe(ctx)
	if !errors.Is(err, infer.ErrSilentAudio) {
		t.Fatalf("expected ErrSilentAudio, got %v", err)
	}
	if stub.Calls() != 0 {
		t.Fatal("silent clip must not reach the engine")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	svc := newTestService(t, speechRecorder(), &engine.Stub{Text: "again"}, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := svc.StartRecording(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.StopAndTranscribe(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(svc.History()); got != 5 {
		t.Fatalf("expected bound of 5, got %d", got)
	}
}

func TestHistoryPersistsAcrossServices(t *testing.T) {
	dbPath := t.TempDir() + "/history.db"
	store, err := history.Open(context.Background(), dbPath, 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	exec, mgr := loadedExecutor(t, &engine.Stub{Text: "persisted"})
	svc, err := New(context.Background(), testLogger(), speechRecorder(), exec, nil, mgr, store, nil, Options{MaxItems: 10})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	item, err := svc.StopAndTranscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	store2, err := history.Open(context.Background(), dbPath, 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	svc2, err := New(context.Background(), testLogger(), speechRecorder(), exec, nil, mgr, store2, nil, Options{MaxItems: 10})
	if err != nil {
		t.Fatal(err)
	}
	got := svc2.History()
	if len(got) != 1 || got[0].ID != item.ID || got[0].Text != "persisted" {
		t.Fatalf("history = %v", got)
	}
}

type fakeCloud struct {
	text string
	err  error
	last string
}

func (c *fakeCloud) Transcribe(_ context.Context, _ []float32, language string) (string, error) {
	c.last = language
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

func (c *fakeCloud) Configured() bool { return true }

func TestCloudModeUsesCloudTranscriber(t *testing.T) {
	cloud := &fakeCloud{text: "from the cloud"}
	exec, mgr := loadedExecutor(t, &engine.Stub{Text: "local"})
	svc, err := New(context.Background(), testLogger(), speechRecorder(), exec, cloud, mgr, nil, nil,
		Options{Mode: ModeCloud, Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	item, err := svc.StopAndTranscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if item.Text != "from the cloud" || item.Mode != ModeCloud {
		t.Fatalf("item = %+v", item)
	}
	if item.ModelName != "" {
		t.Fatalf("cloud items carry no local model, got %q", item.ModelName)
	}
	if cloud.last != "en" {
		t.Fatalf("language = %q", cloud.last)
	}
}

func TestEmptyTranscriptionStillSucceeds(t *testing.T) {
	svc := newTestService(t, speechRecorder(), &engine.Stub{Text: ""}, nil)
	ctx := context.Background()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	item, err := svc.StopAndTranscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if item.Text != "" {
		t.Fatalf("text = %q", item.Text)
	}
	if len(svc.History()) != 1 {
		t.Fatal("empty text is still a history entry")
	}
}

func TestDeleteAndClearHistory(t *testing.T) {
	svc := newTestService(t, speechRecorder(), &engine.Stub{Text: "x"}, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		if err := svc.StartRecording(ctx); err != nil {
			t.Fatal(err)
		}
		item, err := svc.StopAndTranscribe(ctx)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, item.ID)
	}

	if err := svc.DeleteHistoryItem(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteHistoryItem(ctx, ids[1]); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := len(svc.History()); got != 2 {
		t.Fatalf("expected 2 items, got %d", got)
	}
	if err := svc.ClearHistory(ctx); err != nil {
		t.Fatal(err)
	}
	if len(svc.History()) != 0 {
		t.Fatal("history should be empty after clear")
	}
}

func TestStatusRespondsDuringInference(t *testing.T) {
	stub := &engine.Stub{Text: "slow", Delay: 5 * time.Second}
	svc := newTestService(t, speechRecorder(), stub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Transcribe(ctx)
	}()
	for stub.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	st := svc.Status()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("status blocked %v behind inference", elapsed)
	}
	if st.State != StateProcessing {
		t.Fatalf("state = %s", st.State)
	}

	cancel()
	<-done
}

func TestConcurrentTranscribeTakesClipOnce(t *testing.T) {
	stub := &engine.Stub{Text: "once", Delay: 200 * time.Millisecond}
	svc := newTestService(t, speechRecorder(), stub, nil)
	ctx := context.Background()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.Transcribe(ctx)
			errs <- err
		}()
	}

	var won, lost int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrInvalidState):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won = %d, lost = %d", won, lost)
	}
	if got := stub.Calls(); got != 1 {
		t.Fatalf("engine ran %d times for one clip", got)
	}
	if got := len(svc.History()); got != 1 {
		t.Fatalf("history has %d items for one clip", got)
	}
}

func TestConcurrentStopClaimsRecordingOnce(t *testing.T) {
	svc := newTestService(t, speechRecorder(), &engine.Stub{Text: "x"}, nil)
	ctx := context.Background()

	if err := svc.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.StopRecording(ctx)
			errs <- err
		}()
	}

	var won, lost int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrNotRecording):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won = %d, lost = %d", won, lost)
	}
	if st := svc.Status().State; st != StateProcessing {
		t.Fatalf("state = %s", st)
	}
	if _, err := svc.Transcribe(ctx); err != nil {
		t.Fatalf("transcribe after contested stop: %v", err)
	}
}
