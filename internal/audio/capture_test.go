package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestBytesToFloat32(t *testing.T) {
	want := []float32{0.5, -1.0, 0.0}
	data := make([]byte, 0, len(want)*4)
	for _, s := range want {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(s))
	}

	got := bytesToFloat32(data, uint32(len(want)))
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestBytesToFloat32Truncated(t *testing.T) {
	// A partial trailing sample is dropped, not mangled.
	data := make([]byte, 0, 6)
	data = binary.LittleEndian.AppendUint32(data, math.Float32bits(0.25))
	data = append(data, 0x01, 0x02)

	got := bytesToFloat32(data, 2)
	if len(got) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(got))
	}
	if got[0] != 0.25 {
		t.Fatalf("expected 0.25, got %f", got[0])
	}
}

func TestClipDurationAndEnergy(t *testing.T) {
	samples := make([]float32, TargetSampleRate) // one second
	clip := Clip{Samples: samples, SampleRate: TargetSampleRate, RMS: RMS(samples)}
	if clip.DurationMS() != 1000 {
		t.Fatalf("expected 1000ms, got %d", clip.DurationMS())
	}
	if clip.RMS >= SilenceRMS {
		t.Fatalf("all-zero clip should be below the silence floor, rms=%f", clip.RMS)
	}
}
