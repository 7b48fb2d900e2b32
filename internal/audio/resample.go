// Package audio provides microphone capture and the PCM conversions the
// recognition engine requires: channel mixdown, sample-rate conversion to
// 16 kHz mono, signal-energy measurement, and WAV encoding.
package audio

import "math"

// TargetSampleRate is the rate the recognition engine expects.
const TargetSampleRate = 16000

// SilenceRMS is the signal-energy floor below which a clip is treated as
// silent. Recordings under it usually mean a muted or misconfigured input.
const SilenceRMS = 0.001

// Resample converts interleaved multi-channel PCM at nativeRate into mono
// PCM at targetRate. Channels are averaged per frame, then the mono signal
// is converted with linear interpolation. Empty input yields empty output.
func Resample(samples []float32, nativeRate, nativeChannels, targetRate int) []float32 {
	if len(samples) == 0 {
		return nil
	}

	mono := mixdown(samples, nativeChannels)
	if nativeRate == targetRate {
		return mono
	}

	ratio := float64(nativeRate) / float64(targetRate)
	outLen := int(math.Ceil(float64(len(mono)) / ratio))
	out := make([]float32, 0, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))

		s0 := sampleAt(mono, idx)
		s1 := sampleAt(mono, idx+1)
		if idx+1 >= len(mono) {
			s1 = s0
		}
		out = append(out, s0+(s1-s0)*frac)
	}

	return out
}

func mixdown(samples []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	frames := len(samples) / channels
	out := make([]float32, 0, frames+1)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[f*channels+c]
		}
		out = append(out, sum/float32(channels))
	}

	// A trailing partial frame, as when a capture stops mid-frame, is
	// averaged over the channels it has rather than dropped.
	if rem := len(samples) % channels; rem != 0 {
		var sum float32
		for _, s := range samples[frames*channels:] {
			sum += s
		}
		out = append(out, sum/float32(rem))
	}
	return out
}

func sampleAt(samples []float32, idx int) float32 {
	if idx < 0 || idx >= len(samples) {
		return 0
	}
	return samples[idx]
}

// RMS computes the root-mean-square energy of the signal.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DurationMS converts a sample count at the given rate to milliseconds.
func DurationMS(sampleCount, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(float64(sampleCount) / float64(sampleRate) * 1000.0)
}
