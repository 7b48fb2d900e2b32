// Package runtime composes the daemon: telemetry, bus, capture, model
// manager, session service, and the HTTP control API.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxielabs/voxie-core/internal/audio"
	"github.com/voxielabs/voxie-core/internal/bus"
	"github.com/voxielabs/voxie-core/internal/cloud"
	"github.com/voxielabs/voxie-core/internal/config"
	"github.com/voxielabs/voxie-core/internal/engine"
	"github.com/voxielabs/voxie-core/internal/history"
	"github.com/voxielabs/voxie-core/internal/infer"
	"github.com/voxielabs/voxie-core/internal/model"
	"github.com/voxielabs/voxie-core/internal/natsserver"
	"github.com/voxielabs/voxie-core/internal/protocol"
	"github.com/voxielabs/voxie-core/internal/session"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	busClient      *bus.Client
	capture        *audio.Capture
	models         *model.Manager
	downloader     *model.Downloader
	store          *history.Store
	session        *session.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every subsystem and serves the control API until ctx
// is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	// Notifications are best-effort; a missing bus degrades, not fails.
	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.logger.Warn("bus unavailable, notifications disabled", slog.String("error", err.Error()))
	}
	r.busClient = busClient

	capture, err := audio.NewCapture(r.logger)
	if err != nil {
		return fmt.Errorf("init audio backend: %w", err)
	}
	r.capture = capture

	factory, err := engine.NewFactory(r.cfg.Engine.Mode, r.cfg.Engine.Command)
	if err != nil {
		return fmt.Errorf("select engine backend: %w", err)
	}

	r.models = model.NewManager(r.logger, factory, r.cfg.Model.Dir, r.publishModelState)
	r.downloader = model.NewDownloader(r.logger, r.models.Dir())

	store, err := history.Open(ctx, r.cfg.History.Path, r.cfg.History.MaxItems, r.logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	r.store = store

	executor := infer.New(r.logger, r.models, r.cfg.Transcribe.Language,
		time.Duration(r.cfg.Transcribe.TimeoutSeconds)*time.Second)
	cloudClient := cloud.New(r.logger, cloud.Config{
		BaseURL: r.cfg.Cloud.BaseURL,
		APIKey:  r.cfg.Cloud.APIKey,
		Model:   r.cfg.Cloud.Model,
	})

	var pub session.Publisher
	if r.busClient != nil {
		pub = r.busClient
	}
	sess, err := session.New(ctx, r.logger, capture, executor, cloudClient, r.models, store, pub, session.Options{
		Mode:     r.cfg.Transcribe.Mode,
		Language: r.cfg.Transcribe.Language,
		Model:    r.cfg.Model.Default,
		MaxItems: r.cfg.History.MaxItems,
	})
	if err != nil {
		return fmt.Errorf("build session service: %w", err)
	}
	r.session = sess

	r.warmDefaultModel(ctx)

	mux := r.routes(metricsHandler)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("daemon started",
		slog.String("addr", addr),
		slog.String("engine_mode", r.cfg.Engine.Mode),
		slog.String("transcribe_mode", r.cfg.Transcribe.Mode))

	<-ctx.Done()
	r.logger.Info("daemon stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.capture.Close(); err != nil {
		r.logger.Error("capture shutdown error", slog.String("error", err.Error()))
	}
	if err := r.models.Close(); err != nil {
		r.logger.Error("model shutdown error", slog.String("error", err.Error()))
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("history shutdown error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.embedded.Shutdown()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// warmDefaultModel preloads the configured model when its file is
// already on disk. First transcription latency matters more than boot
// time for the small tiers.
func (r *Runtime) warmDefaultModel(ctx context.Context) {
	id, err := model.Parse(r.cfg.Model.Default)
	if err != nil {
		r.logger.Warn("unknown default model", slog.String("model", r.cfg.Model.Default))
		return
	}
	if !r.models.Downloaded(id) {
		r.logger.Info("default model not downloaded, loading deferred",
			slog.String("model", string(id)))
		return
	}
	if err := r.models.EnsureLoaded(ctx, id); err != nil {
		r.logger.Warn("preload default model", slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishModelState(id model.Identity, state string) {
	if r.busClient == nil {
		return
	}
	evt := protocol.ModelState{
		Model:     string(id),
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if err := r.busClient.PublishJSON(protocol.SubjectModelState, evt); err != nil {
		r.logger.Warn("publish model state", slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishDownloadProgress(id model.Identity, progress float64, status string) {
	if r.busClient == nil {
		return
	}
	evt := protocol.ModelDownloadProgress{
		Model:     string(id),
		Progress:  progress,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := r.busClient.PublishJSON(protocol.SubjectModelDownloadProgress, evt); err != nil {
		r.logger.Warn("publish download progress", slog.String("error", err.Error()))
	}
}
