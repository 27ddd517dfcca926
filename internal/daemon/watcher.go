package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/docpipe/internal/logfields"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 2 * time.Second

// PipelineWatcher monitors the pipeline definition and calls reload after
// changes settle.
type PipelineWatcher struct {
	path     string
	reload   func() error
	watcher  *fsnotify.Watcher
	debounce time.Duration

	stopOnce   sync.Once
	stopChan   chan struct{}
	reloadChan chan struct{}
}

// NewPipelineWatcher creates a watcher for path.
func NewPipelineWatcher(path string, reload func() error) (*PipelineWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &PipelineWatcher{
		path:       absPath,
		reload:     reload,
		watcher:    watcher,
		debounce:   DefaultDebounce,
		stopChan:   make(chan struct{}),
		reloadChan: make(chan struct{}, 1),
	}, nil
}

// SetDebounce changes the debounce delay. It must be called before Start.
func (w *PipelineWatcher) SetDebounce(d time.Duration) { w.debounce = d }

// Start watches the directory containing the definition. Editors replace files
// by rename, which a watch on the file itself would miss.
func (w *PipelineWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	slog.Info("Watching pipeline definition", logfields.Path(w.path))

	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop ends both loops and closes the watcher. It is safe to call twice.
func (w *PipelineWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			slog.Error("Error closing file watcher", logfields.Error(err))
		}
	})
}

func (w *PipelineWatcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				slog.Debug("Pipeline definition changed", logfields.Path(event.Name), slog.String("op", event.Op.String()))
				w.triggerReload()
			case event.Op&fsnotify.Remove != 0:
				slog.Warn("Pipeline definition removed", logfields.Path(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Pipeline watcher error", logfields.Error(err))
		}
	}
}

func (w *PipelineWatcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case <-w.stopChan:
			stopTimer()
			return
		case <-w.reloadChan:
			stopTimer()
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.reload(); err != nil {
					slog.Error("Rejected pipeline definition, keeping the previous one", logfields.Error(err))
				}
			})
		}
	}
}

func (w *PipelineWatcher) triggerReload() {
	select {
	case w.reloadChan <- struct{}{}:
	default:
	}
}
