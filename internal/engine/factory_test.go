package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewFactoryModes(t *testing.T) {
	if _, err := NewFactory(ModeWhisper, ""); err != nil {
		t.Fatalf("whisper mode: %v", err)
	}
	if _, err := NewFactory(ModeExec, "whisper-cli --json"); err != nil {
		t.Fatalf("exec mode with command: %v", err)
	}
	if _, err := NewFactory(ModeExec, ""); err == nil {
		t.Fatal("exec mode without command should fail")
	}
	if _, err := NewFactory("cloudy", ""); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestMockFactoryProducesWorkingEngine(t *testing.T) {
	factory, err := NewFactory(ModeMock, "")
	if err != nil {
		t.Fatalf("mock mode: %v", err)
	}
	eng, err := factory("/nonexistent/model.bin")
	if err != nil {
		t.Fatalf("mock factory: %v", err)
	}
	defer eng.Close()

	text, err := eng.Transcribe(context.Background(), []float32{0.1, 0.2}, Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text == "" {
		t.Fatal("mock engine returned empty text")
	}
}

func TestStubCountsAndErrors(t *testing.T) {
	wantErr := errors.New("boom")
	stub := &Stub{Err: wantErr}

	_, err := stub.Transcribe(context.Background(), nil, Options{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if stub.Calls() != 1 {
		t.Fatalf("expected 1 call, got %d", stub.Calls())
	}
	stub.Close()
	stub.Close()
	if stub.Closed() != 2 {
		t.Fatalf("expected 2 closes, got %d", stub.Closed())
	}
}

func TestStubHonorsContextDuringDelay(t *testing.T) {
	stub := &Stub{Text: "late", Delay: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := stub.Transcribe(ctx, nil, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
