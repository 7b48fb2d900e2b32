package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/voxielabs/voxie-core/internal/audio"
)

// execEngine shells out to an external transcriber. The command receives
// a temp WAV via --audio plus --model and --language flags, and must
// print a JSON object with a "text" field on stdout.
type execEngine struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

// NewExec parses command with shell-style quoting and binds it to the
// model file at modelPath.
func NewExec(command, modelPath string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("engine: parse exec command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine: exec command is empty")
	}
	return &execEngine{cmd: args, modelPath: modelPath}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "voxie_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("engine: temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, samples, audio.TargetSampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.modelPath != "" {
		args = append(args, "--model", e.modelPath)
	}
	if opts.Language != "" && opts.Language != "auto" {
		args = append(args, "--language", opts.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("engine: exec command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("engine: decode exec response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (e *execEngine) Close() error { return nil }

func writeWAV(file *os.File, samples []float32, sampleRate int) error {
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(audio.FloatToInt16(s))
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("engine: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("engine: close wav encoder: %w", err)
	}
	return nil
}
