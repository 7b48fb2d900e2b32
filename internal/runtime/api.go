package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/voxielabs/voxie-core/internal/cloud"
	"github.com/voxielabs/voxie-core/internal/history"
	"github.com/voxielabs/voxie-core/internal/infer"
	"github.com/voxielabs/voxie-core/internal/model"
	"github.com/voxielabs/voxie-core/internal/protocol"
	"github.com/voxielabs/voxie-core/internal/session"
)

// api holds the control-plane handlers. It is built from the runtime's
// subsystems but kept separate so handlers test without audio hardware.
type api struct {
	log        *slog.Logger
	session    *session.Service
	models     *model.Manager
	downloader *model.Downloader
	ready      func() bool
	onProgress func(id model.Identity, progress float64, status string)
}

func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	a := &api{
		log:        r.logger,
		session:    r.session,
		models:     r.models,
		downloader: r.downloader,
		ready:      r.ready.Load,
		onProgress: r.publishDownloadProgress,
	}
	mux := a.mux()
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

func (a *api) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/record/start", a.handleRecordStart)
	mux.HandleFunc("POST /v1/record/stop", a.handleRecordStop)
	mux.HandleFunc("POST /v1/transcribe", a.handleTranscribe)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /v1/history", a.handleHistoryList)
	mux.HandleFunc("DELETE /v1/history", a.handleHistoryClear)
	mux.HandleFunc("DELETE /v1/history/{id}", a.handleHistoryDelete)
	mux.HandleFunc("GET /v1/models", a.handleModelList)
	mux.HandleFunc("POST /v1/models/{name}/download", a.handleModelDownload)
	mux.HandleFunc("POST /v1/models/{name}/load", a.handleModelLoad)
	mux.HandleFunc("POST /v1/models/unload", a.handleModelUnload)
	mux.HandleFunc("DELETE /v1/models/{name}", a.handleModelDelete)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	return mux
}

func (a *api) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if err := a.session.StartRecording(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(session.StateRecording)})
}

type clipResponse struct {
	State      string  `json:"state"`
	Samples    int     `json:"samples"`
	DurationMS int64   `json:"duration_ms"`
	RMS        float64 `json:"rms"`
	LowEnergy  bool    `json:"low_energy"`
}

func (a *api) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	clip, err := a.session.StopRecording(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clipResponse{
		State:      string(session.StateProcessing),
		Samples:    len(clip.Samples),
		DurationMS: clip.DurationMS(),
		RMS:        clip.RMS,
		LowEnergy:  clip.LowEnergy,
	})
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	item, err := a.session.Transcribe(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type statusResponse struct {
	session.Status
	ModelState string `json:"model_state"`
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.session.Status()
	resp := statusResponse{Status: st, ModelState: protocol.ModelStateUnloaded}
	if a.models.Loading() {
		resp.ModelState = protocol.ModelStateLoading
	} else if st.ModelLoaded {
		resp.ModelState = protocol.ModelStateReady
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	items := a.session.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if limit < len(items) {
			items = items[:limit]
		}
	}
	if items == nil {
		items = []protocol.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *api) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	if err := a.session.ClearHistory(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.session.DeleteHistoryItem(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelResponse struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	SizeMB      int    `json:"size_mb"`
	Downloaded  bool   `json:"downloaded"`
	DiskBytes   int64  `json:"disk_bytes,omitempty"`
	Loaded      bool   `json:"loaded"`
}

func (a *api) handleModelList(w http.ResponseWriter, r *http.Request) {
	current, loaded := a.models.Current()
	out := make([]modelResponse, 0, len(model.All()))
	for _, id := range model.All() {
		entry := modelResponse{
			Name:        string(id),
			DisplayName: id.DisplayName(),
			SizeMB:      id.ApproxSizeMB(),
			Downloaded:  a.models.Downloaded(id),
			Loaded:      loaded && current == id,
		}
		if info, err := os.Stat(id.Path(a.models.Dir())); err == nil {
			entry.DiskBytes = info.Size()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (a *api) handleModelDownload(w http.ResponseWriter, r *http.Request) {
	id, err := model.Parse(r.PathValue("name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	err = a.downloader.Download(r.Context(), id, func(id model.Identity, progress float64) {
		status := protocol.DownloadStatusDownloading
		if progress >= 1.0 {
			status = protocol.DownloadStatusCompleted
		}
		if a.onProgress != nil {
			a.onProgress(id, progress, status)
		}
	})
	if err != nil {
		if a.onProgress != nil {
			a.onProgress(id, 0, protocol.DownloadStatusError)
		}
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": string(id), "status": protocol.DownloadStatusCompleted})
}

func (a *api) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	id, err := model.Parse(r.PathValue("name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.models.EnsureLoaded(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": string(id), "state": protocol.ModelStateReady})
}

func (a *api) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	if err := a.models.Unload(); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": protocol.ModelStateUnloaded})
}

func (a *api) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	id, err := model.Parse(r.PathValue("name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.models.Delete(id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// writeError maps domain sentinels onto HTTP statuses. Anything
// unrecognized is a 500 and gets logged.
func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, model.ErrNotLoaded),
		errors.Is(err, model.ErrBusy),
		errors.Is(err, model.ErrInUse):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoAudio),
		errors.Is(err, infer.ErrEmptyAudio),
		errors.Is(err, infer.ErrSilentAudio),
		errors.Is(err, model.ErrFileInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrFileMissing),
		errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, infer.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, cloud.ErrMissingCredentials),
		errors.Is(err, model.ErrUnknownModel):
		status = http.StatusBadRequest
	case errors.Is(err, cloud.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, cloud.ErrUnauthorized):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
