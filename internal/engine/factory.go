package engine

import "fmt"

// Engine modes accepted by NewFactory.
const (
	ModeWhisper = "whisper"
	ModeExec    = "exec"
	ModeMock    = "mock"
)

// NewFactory selects an engine backend by mode. The exec mode needs a
// non-empty command; the mock mode is for development and tests.
func NewFactory(mode, command string) (Factory, error) {
	switch mode {
	case ModeWhisper:
		return NewWhisper, nil
	case ModeExec:
		if command == "" {
			return nil, fmt.Errorf("engine: exec mode requires a command")
		}
		return func(modelPath string) (Engine, error) {
			return NewExec(command, modelPath)
		}, nil
	case ModeMock:
		return NewStubFactory("mock transcription"), nil
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", mode)
	}
}
