package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"astrophot/internal/config"
	"astrophot/internal/pipeline"
)

// Watcher monitors an incoming directory for new photometry tables and
// submits a full run once the directory goes quiet. Exporters drop one table
// per exposure, so a settle timer batches a night's worth of files into a
// single run instead of one run per file.
type Watcher struct {
	watcher  *fsnotify.Watcher
	pipeline *pipeline.Pipeline
	cfg      config.Watch
	output   string
	log      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// New creates a watcher for the configured incoming directory.
func New(cfg config.Watch, outputDir string, pipe *pipeline.Pipeline, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		pipeline: pipe,
		cfg:      cfg,
		output:   outputDir,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start begins monitoring until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.cfg.Directory); err != nil {
		return err
	}
	w.log.Info("watching for photometry tables", "dir", w.cfg.Directory,
		"settle_seconds", w.cfg.SettleSec)

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isPhotometryTable(event.Name) {
				continue
			}
			w.log.Debug("photometry table arrived", "file", event.Name)
			w.resetTimer()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// resetTimer pushes the pending run back by the settle interval.
func (w *Watcher) resetTimer() {
	settle := time.Duration(w.cfg.SettleSec) * time.Second
	if settle <= 0 {
		settle = 5 * time.Second
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(settle)
		return
	}
	w.timer = time.AfterFunc(settle, w.submitRun)
}

func (w *Watcher) submitRun() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobRun,
		InputPath: w.cfg.Directory,
		Output:    w.output,
		Options: map[string]any{
			"target_ra":  w.cfg.TargetRA,
			"target_dec": w.cfg.TargetDec,
		},
	}
	if err := w.pipeline.Submit(job); err != nil {
		w.log.Error("watched run submission failed", "error", err)
		return
	}
	w.log.Info("watched run submitted", "id", job.ID, "dir", w.cfg.Directory)
}

func isPhotometryTable(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}
