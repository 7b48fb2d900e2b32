package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ProgressFunc receives download progress in [0, 1]. Called with 1.0
// exactly once on completion.
type ProgressFunc func(id Identity, progress float64)

// Downloader fetches model files from HuggingFace into the model dir.
type Downloader struct {
	log    *slog.Logger
	dir    string
	client *http.Client
}

// NewDownloader builds a downloader over dir.
func NewDownloader(log *slog.Logger, dir string) *Downloader {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Downloader{
		log:    log.With(slog.String("component", "download")),
		dir:    dir,
		client: &http.Client{},
	}
}

// Download fetches id's model file. It writes to a temp file and
// renames into place so a crashed download never leaves a plausible
// looking partial file. An already-complete file is left alone.
func (d *Downloader) Download(ctx context.Context, id Identity, progress ProgressFunc) error {
	if progress == nil {
		progress = func(Identity, float64) {}
	}

	dest := id.Path(d.dir)
	if info, err := os.Stat(dest); err == nil && info.Size() >= MinFileBytes {
		d.log.Info("model already downloaded",
			slog.String("model", string(id)),
			slog.Int64("bytes", info.Size()))
		progress(id, 1.0)
		return nil
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("model: create model dir: %w", err)
	}

	url := id.DownloadURL()
	d.log.Info("downloading model",
		slog.String("model", string(id)),
		slog.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("model: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("model: download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model: download %s: HTTP %d", id, resp.StatusCode)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("model: create temp file: %w", err)
	}

	pr := &progressReporter{
		w:     f,
		total: resp.ContentLength,
		emit:  func(p float64) { progress(id, p) },
	}
	written, err := io.Copy(pr, resp.Body)
	cerr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("model: write model file: %w", err)
	}
	if cerr != nil {
		os.Remove(tmp)
		return fmt.Errorf("model: close model file: %w", cerr)
	}
	if written < MinFileBytes {
		os.Remove(tmp)
		return fmt.Errorf("%w: downloaded only %d bytes", ErrFileInvalid, written)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("model: move model file: %w", err)
	}

	d.log.Info("model downloaded",
		slog.String("model", string(id)),
		slog.Int64("bytes", written))
	progress(id, 1.0)
	return nil
}

// progressReporter forwards writes and emits throttled progress
// fractions. Without a known length it stays silent until completion.
type progressReporter struct {
	w       io.Writer
	total   int64
	written int64
	last    time.Time
	emit    func(float64)
}

func (pr *progressReporter) Write(p []byte) (int, error) {
	n, err := pr.w.Write(p)
	pr.written += int64(n)
	if pr.total > 0 && time.Since(pr.last) >= 250*time.Millisecond {
		frac := float64(pr.written) / float64(pr.total)
		if frac > 0.99 {
			frac = 0.99
		}
		pr.emit(frac)
		pr.last = time.Now()
	}
	return n, err
}
