package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeWAVHeader(t *testing.T) {
	samples := []float32{0.0, 0.5, -0.5, 1.0}
	data := EncodeWAV(samples, TargetSampleRate, 1)

	if len(data) != 44+len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", 44+len(samples)*2, len(data))
	}
	if !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != TargetSampleRate {
		t.Fatalf("expected sample rate %d, got %d", TargetSampleRate, rate)
	}
	if bits := binary.LittleEndian.Uint16(data[34:36]); bits != 16 {
		t.Fatalf("expected 16-bit samples, got %d", bits)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != uint32(len(samples)*2) {
		t.Fatalf("expected data size %d, got %d", len(samples)*2, size)
	}
}

func TestFloatToInt16Clamps(t *testing.T) {
	if v := FloatToInt16(2.0); v != 32767 {
		t.Fatalf("expected clamp to 32767, got %d", v)
	}
	if v := FloatToInt16(-2.0); v != -32767 {
		t.Fatalf("expected clamp to -32767, got %d", v)
	}
	if v := FloatToInt16(0); v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}
