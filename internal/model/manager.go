package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/voxielabs/voxie-core/internal/engine"
)

var (
	// ErrNotLoaded means an operation needs a loaded model and none is.
	ErrNotLoaded = errors.New("model: no model loaded")
	// ErrFileMissing means the model file is absent from the model dir.
	ErrFileMissing = errors.New("model: file not downloaded")
	// ErrFileInvalid means the model file exists but is implausibly
	// small, usually a truncated download.
	ErrFileInvalid = errors.New("model: file looks corrupt")
	// ErrBusy means a load is already in flight.
	ErrBusy = errors.New("model: load already in progress")
	// ErrInUse means the model is resident and must be unloaded first.
	ErrInUse = errors.New("model: model is loaded")
)

// Load states reported through the state callback.
const (
	StateUnloaded = "unloaded"
	StateLoading  = "loading"
	StateReady    = "ready"
)

// Manager owns the single loaded engine and serializes load, unload,
// and inference against each other. Model loads can take tens of
// seconds for the larger tiers, so EnsureLoaded runs the load on a
// worker goroutine and lets callers abandon the wait via ctx without
// interrupting the load itself.
//
// Two locks keep status reads responsive: mu guards the identity
// metadata and is never held across a blocking call; runMu guards use
// of the engine handle and is held for the whole of an inference, a
// swap, or a close. Current and Loaded take only mu, so they answer
// immediately while a long Transcribe runs.
type Manager struct {
	log     *slog.Logger
	factory engine.Factory
	dir     string
	notify  func(id Identity, state string)

	mu      sync.Mutex
	eng     engine.Engine
	current Identity

	runMu sync.Mutex

	loading atomic.Bool
}

// NewManager builds a manager over the model directory dir. notify may
// be nil; when set it fires on every load-state transition.
func NewManager(log *slog.Logger, factory engine.Factory, dir string, notify func(Identity, string)) *Manager {
	if dir == "" {
		dir = DefaultDir()
	}
	if notify == nil {
		notify = func(Identity, string) {}
	}
	return &Manager{
		log:     log.With(slog.String("component", "model")),
		factory: factory,
		dir:     dir,
		notify:  notify,
	}
}

// Dir returns the model directory.
func (m *Manager) Dir() string { return m.dir }

// Current returns the loaded model, if any.
func (m *Manager) Current() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.eng != nil
}

// Loaded reports whether any model is resident.
func (m *Manager) Loaded() bool {
	_, ok := m.Current()
	return ok
}

// Loading reports whether a load is in flight.
func (m *Manager) Loading() bool {
	return m.loading.Load()
}

// Downloaded reports whether the model file exists on disk and is
// plausibly complete.
func (m *Manager) Downloaded(id Identity) bool {
	info, err := os.Stat(id.Path(m.dir))
	return err == nil && info.Size() >= MinFileBytes
}

// EnsureLoaded makes id the resident model. A no-op when id is already
// loaded. The previous engine, if different, is closed after the new
// one loads so a failed load never drops a working model.
func (m *Manager) EnsureLoaded(ctx context.Context, id Identity) error {
	m.mu.Lock()
	if m.eng != nil && m.current == id {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	path := id.Path(m.dir)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileMissing, path)
	}
	if info.Size() < MinFileBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrFileInvalid, path, info.Size())
	}

	if !m.loading.CompareAndSwap(false, true) {
		return ErrBusy
	}
	m.notify(id, StateLoading)

	done := make(chan error, 1)
	go func() {
		defer m.loading.Store(false)

		m.log.Info("loading model", slog.String("model", string(id)))
		eng, err := m.factory(path)
		if err != nil {
			m.notify(id, StateUnloaded)
			done <- fmt.Errorf("model: load %s: %w", id, err)
			return
		}

		// The swap queues behind in-flight inference; identity reads
		// keep answering while it waits.
		m.runMu.Lock()
		m.mu.Lock()
		prev := m.eng
		m.eng = eng
		m.current = id
		m.mu.Unlock()
		if prev != nil {
			if err := prev.Close(); err != nil {
				m.log.Warn("close previous engine", slog.String("error", err.Error()))
			}
		}
		m.runMu.Unlock()

		m.log.Info("model ready", slog.String("model", string(id)))
		m.notify(id, StateReady)
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The load continues in the background and installs itself
		// when finished; only the wait is abandoned.
		return ctx.Err()
	}
}

// Unload releases the resident engine, waiting out any in-flight
// inference before closing it. Unloading with nothing loaded is not an
// error.
func (m *Manager) Unload() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	eng := m.eng
	id := m.current
	m.eng = nil
	m.current = ""
	m.mu.Unlock()

	if eng == nil {
		return nil
	}
	if err := eng.Close(); err != nil {
		m.log.Warn("close engine", slog.String("error", err.Error()))
	}
	m.log.Info("model unloaded", slog.String("model", string(id)))
	m.notify(id, StateUnloaded)
	return nil
}

// Delete removes the model file from disk. The model must not be the
// resident one.
func (m *Manager) Delete(id Identity) error {
	m.mu.Lock()
	resident := m.eng != nil && m.current == id
	m.mu.Unlock()
	if resident {
		return fmt.Errorf("%w: unload %s first", ErrInUse, id)
	}
	if err := os.Remove(id.Path(m.dir)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileMissing, id)
		}
		return fmt.Errorf("model: delete %s: %w", id, err)
	}
	return nil
}

// RunInference transcribes samples with the resident engine. runMu is
// held for the duration, so loads and unloads queue behind in-flight
// inference instead of yanking the engine out from under it; identity
// reads do not contend.
func (m *Manager) RunInference(ctx context.Context, samples []float32, opts engine.Options) (string, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	eng := m.eng
	m.mu.Unlock()
	if eng == nil {
		return "", ErrNotLoaded
	}
	return eng.Transcribe(ctx, samples, opts)
}

// Close unloads any resident engine.
func (m *Manager) Close() error {
	return m.Unload()
}
