package protocol

import "time"

// HistoryItem is one finished transcription, newest entries first in every
// listing surface. It doubles as the payload of the transcription.created
// notification.
type HistoryItem struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	Mode       string    `json:"mode"`
	ModelName  string    `json:"model_name,omitempty"`
}

// ModelDownloadProgress reports model download state on the bus.
type ModelDownloadProgress struct {
	Model     string    `json:"model"`
	Progress  float64   `json:"progress"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelState announces engine lifecycle changes (loading, ready, unloaded).
type ModelState struct {
	Model     string    `json:"model,omitempty"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptionCreated  = "voxie.transcription.created"
	SubjectModelDownloadProgress = "voxie.model.download.progress"
	SubjectModelState            = "voxie.model.state"
)

// Download status values carried by ModelDownloadProgress.
const (
	DownloadStatusDownloading = "downloading"
	DownloadStatusCompleted   = "completed"
	DownloadStatusError       = "error"
)

// Engine state values carried by ModelState.
const (
	ModelStateUnloaded = "unloaded"
	ModelStateLoading  = "loading"
	ModelStateReady    = "ready"
)
