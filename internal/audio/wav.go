package audio

import "encoding/binary"

// EncodeWAV encodes float32 PCM as a 16-bit PCM WAV byte stream: a 44-byte
// RIFF header followed by little-endian samples. Every cloud provider the
// daemon talks to accepts this container.
func EncodeWAV(samples []float32, sampleRate, channels int) []byte {
	dataSize := uint32(len(samples) * 2)
	byteRate := uint32(sampleRate * channels * 2)
	blockAlign := uint16(channels * 2)

	out := make([]byte, 0, 44+int(dataSize))
	out = append(out, []byte("RIFF")...)
	out = binary.LittleEndian.AppendUint32(out, 36+dataSize)
	out = append(out, []byte("WAVE")...)

	out = append(out, []byte("fmt ")...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1) // PCM
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, byteRate)
	out = binary.LittleEndian.AppendUint16(out, blockAlign)
	out = binary.LittleEndian.AppendUint16(out, 16) // bits per sample

	out = append(out, []byte("data")...)
	out = binary.LittleEndian.AppendUint32(out, dataSize)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(FloatToInt16(s)))
	}
	return out
}

// FloatToInt16 converts one [-1, 1] sample to signed 16-bit PCM.
func FloatToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767.0)
}
