package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Stub is a canned engine for tests and the mock engine mode. It returns
// Text (or Err) after an optional Delay and counts calls.
type Stub struct {
	Text  string
	Err   error
	Delay time.Duration

	calls  atomic.Int64
	closed atomic.Int64
}

// NewStubFactory returns a Factory whose engines all share the given
// stub behavior.
func NewStubFactory(text string) Factory {
	return func(string) (Engine, error) {
		return &Stub{Text: text}, nil
	}
}

func (s *Stub) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	s.calls.Add(1)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Text, nil
}

func (s *Stub) Close() error {
	s.closed.Add(1)
	return nil
}

// Calls reports how many times Transcribe ran.
func (s *Stub) Calls() int64 { return s.calls.Load() }

// Closed reports how many times Close ran.
func (s *Stub) Closed() int64 { return s.closed.Load() }
