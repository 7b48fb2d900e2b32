package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

var (
	// ErrNoDevice means no usable capture device was found or its
	// configuration could not be queried.
	ErrNoDevice = errors.New("audio: no usable capture device")
	// ErrAlreadyCapturing means Start was called while a stream is live.
	ErrAlreadyCapturing = errors.New("audio: already capturing")
	// ErrNotCapturing means Stop was called with no live stream.
	ErrNotCapturing = errors.New("audio: not capturing")
)

// Clip is a finished recording, normalized to 16 kHz mono. Once returned
// from Capture.Stop it is immutable and owned by the caller.
type Clip struct {
	Samples    []float32
	SampleRate int
	RMS        float64
	// LowEnergy flags a clip whose RMS fell below SilenceRMS. It is a
	// diagnostic, not an error: silent clips are still valid input and
	// are rejected later by the inference gate.
	LowEnergy bool
}

// DurationMS returns the clip length in milliseconds.
func (c Clip) DurationMS() int64 {
	return DurationMS(len(c.Samples), c.SampleRate)
}

// Capture owns the live microphone stream and its append-only sample
// buffer. Recording happens at the device's native rate and channel count;
// forcing 16 kHz mono on the device makes stream creation fail on many
// backends, so conversion is deferred to Stop.
type Capture struct {
	log  *slog.Logger
	mctx *malgo.AllocatedContext

	mu             sync.Mutex
	device         *malgo.Device
	buf            []float32
	nativeRate     int
	nativeChannels int
	active         bool
}

// NewCapture initializes the audio backend. Call Close when done.
func NewCapture(log *slog.Logger) (*Capture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Capture{
		log:  log.With(slog.String("component", "capture")),
		mctx: mctx,
	}, nil
}

// Start clears any prior buffer and begins streaming from the default
// input device at its native configuration.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyCapturing
	}
	c.buf = c.buf[:0]
	c.active = true
	c.mu.Unlock()

	rate, channels, err := c.defaultDeviceFormat()
	if err != nil {
		c.abortStart()
		return err
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = uint32(channels)
	deviceCfg.SampleRate = uint32(rate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pSample []byte, frameCount uint32) {
			c.onData(pSample, frameCount, channels)
		},
	}

	device, err := malgo.InitDevice(c.mctx.Context, deviceCfg, callbacks)
	if err != nil {
		c.abortStart()
		return fmt.Errorf("%w: init stream: %v", ErrNoDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.abortStart()
		return fmt.Errorf("%w: start stream: %v", ErrNoDevice, err)
	}

	c.mu.Lock()
	c.device = device
	c.nativeRate = rate
	c.nativeChannels = channels
	c.mu.Unlock()

	c.log.Info("capture started",
		slog.Int("native_rate", rate),
		slog.Int("native_channels", channels))
	return nil
}

// Stop halts the stream, releases the device, and returns the buffered
// audio normalized to 16 kHz mono.
func (c *Capture) Stop() (Clip, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return Clip{}, ErrNotCapturing
	}
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.active = false
	raw := make([]float32, len(c.buf))
	copy(raw, c.buf)
	c.buf = c.buf[:0]
	rate := c.nativeRate
	channels := c.nativeChannels
	c.mu.Unlock()

	samples := Resample(raw, rate, channels, TargetSampleRate)
	rms := RMS(samples)
	clip := Clip{
		Samples:    samples,
		SampleRate: TargetSampleRate,
		RMS:        rms,
		LowEnergy:  rms < SilenceRMS,
	}

	c.log.Info("capture stopped",
		slog.Int("raw_samples", len(raw)),
		slog.Int("samples", len(samples)),
		slog.Int64("duration_ms", clip.DurationMS()),
		slog.Float64("rms", rms))
	if clip.LowEnergy {
		c.log.Warn("recording energy is very low; microphone may be muted or unauthorized",
			slog.Float64("rms", rms))
	}
	return clip, nil
}

// Active reports whether a stream is live.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// BufferLen returns the number of buffered native-rate samples.
func (c *Capture) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Close releases the stream and the audio backend.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.active = false
	c.mu.Unlock()

	if c.mctx != nil {
		if err := c.mctx.Uninit(); err != nil {
			return fmt.Errorf("audio: uninit context: %w", err)
		}
		c.mctx.Free()
		c.mctx = nil
	}
	return nil
}

// defaultDeviceFormat queries the default input device's native rate and
// channel count.
func (c *Capture) defaultDeviceFormat() (rate, channels int, err error) {
	infos, err := c.mctx.Devices(malgo.Capture)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: enumerate: %v", ErrNoDevice, err)
	}
	if len(infos) == 0 {
		return 0, 0, ErrNoDevice
	}

	chosen := infos[0]
	for _, info := range infos {
		if info.IsDefault != 0 {
			chosen = info
			break
		}
	}

	// Conservative fallback when the backend does not report formats.
	rate, channels = 44100, 1
	full, err := c.mctx.DeviceInfo(malgo.Capture, chosen.ID, malgo.Shared)
	if err != nil {
		c.log.Warn("query device format failed, using fallback",
			slog.String("error", err.Error()))
		return rate, channels, nil
	}
	if len(full.Formats) > 0 {
		f := full.Formats[0]
		if f.SampleRate > 0 {
			rate = int(f.SampleRate)
		}
		if f.Channels > 0 {
			channels = int(f.Channels)
		}
	}
	return rate, channels, nil
}

func (c *Capture) abortStart() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// onData is the malgo callback invoked with captured frames as raw
// little-endian float32 bytes.
func (c *Capture) onData(pSample []byte, frameCount uint32, channels int) {
	samples := bytesToFloat32(pSample, frameCount*uint32(channels))
	c.mu.Lock()
	c.buf = append(c.buf, samples...)
	c.mu.Unlock()
}

func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}
