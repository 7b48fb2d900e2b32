// Package cloud transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/voxielabs/voxie-core/internal/audio"
)

var (
	// ErrMissingCredentials means no API key is configured.
	ErrMissingCredentials = errors.New("cloud: api key not configured")
	// ErrUnauthorized means the provider rejected the credentials.
	ErrUnauthorized = errors.New("cloud: invalid api key")
	// ErrRateLimited means the provider throttled the request.
	ErrRateLimited = errors.New("cloud: rate limited")
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
)

// Client posts WAV-encoded clips to {base}/audio/transcriptions with
// Bearer auth and decodes the JSON text response.
type Client struct {
	log     *slog.Logger
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// Config holds cloud provider settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// New builds a client. BaseURL and Model fall back to OpenAI defaults.
func New(log *slog.Logger, cfg Config) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		log:     log.With(slog.String("component", "cloud")),
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		http:    &http.Client{},
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool { return c.apiKey != "" }

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe sends 16 kHz mono samples and returns the recognized text.
// language "auto" or empty lets the provider detect the language.
func (c *Client) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingCredentials
	}

	wavData := audio.EncodeWAV(samples, audio.TargetSampleRate, 1)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("cloud: create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return "", fmt.Errorf("cloud: write audio data: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("cloud: write model field: %w", err)
	}
	// The OpenAI API rejects "auto"; omitting the field means detect.
	if language != "" && language != "auto" {
		if err := writer.WriteField("language", language); err != nil {
			return "", fmt.Errorf("cloud: write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("cloud: close form: %w", err)
	}

	url := c.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Info("cloud transcription request",
		slog.Int("samples", len(samples)),
		slog.String("model", c.model))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("cloud: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("cloud: provider returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("cloud: decode response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}
