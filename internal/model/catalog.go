// Package model manages the whisper model catalog and the lifecycle of
// the loaded inference engine.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownModel means a name did not match any supported tier.
var ErrUnknownModel = errors.New("model: unknown model")

// Identity names one of the supported whisper model tiers.
type Identity string

const (
	Tiny    Identity = "tiny"
	Base    Identity = "base"
	Small   Identity = "small"
	Medium  Identity = "medium"
	LargeV3 Identity = "large-v3"
)

// All lists every supported model, smallest first.
func All() []Identity {
	return []Identity{Tiny, Base, Small, Medium, LargeV3}
}

// MinFileBytes is the floor below which a model file on disk is treated
// as a truncated or failed download. The smallest real model is ~39 MB.
const MinFileBytes = 1 << 20

// Parse resolves a user-supplied model name, accepting common spellings
// of large-v3.
func Parse(name string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tiny":
		return Tiny, nil
	case "base":
		return Base, nil
	case "small":
		return Small, nil
	case "medium":
		return Medium, nil
	case "large-v3", "large_v3", "largev3", "large":
		return LargeV3, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownModel, name)
	}
}

// Filename returns the on-disk ggml file name for the model.
func (id Identity) Filename() string {
	return "ggml-" + string(id) + ".bin"
}

// DownloadURL returns the HuggingFace URL for the model file.
func (id Identity) DownloadURL() string {
	return "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/" + id.Filename()
}

// DisplayName is the human-readable tier name.
func (id Identity) DisplayName() string {
	switch id {
	case Tiny:
		return "Tiny"
	case Base:
		return "Base"
	case Small:
		return "Small"
	case Medium:
		return "Medium"
	case LargeV3:
		return "Large v3"
	default:
		return string(id)
	}
}

// ApproxSizeMB is the rough download size, used for display and
// free-space hints.
func (id Identity) ApproxSizeMB() int {
	switch id {
	case Tiny:
		return 39
	case Base:
		return 74
	case Small:
		return 244
	case Medium:
		return 769
	case LargeV3:
		return 1550
	default:
		return 0
	}
}

// Path returns the model's location under dir.
func (id Identity) Path(dir string) string {
	return filepath.Join(dir, id.Filename())
}

// DefaultDir returns the per-user model directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "models")
	}
	return filepath.Join(home, ".local", "share", "voxie", "models")
}
