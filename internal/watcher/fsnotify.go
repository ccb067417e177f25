package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSWatcher implements Watcher over fsnotify, recursively watching every
// directory under the root (fsnotify itself is not recursive) and
// re-registering new directories as they're created.
type FSWatcher struct {
	opts Options

	fsw    *fsnotify.Watcher
	events chan FileEvent
	errors chan error

	mu      sync.Mutex
	root    string
	started bool
	cancel  context.CancelFunc
}

// NewFSWatcher creates an unstarted watcher with opts applied over defaults.
func NewFSWatcher(opts Options) *FSWatcher {
	opts = opts.WithDefaults()
	return &FSWatcher{
		opts:   opts,
		events: make(chan FileEvent, opts.EventBufferSize),
		errors: make(chan error, opts.EventBufferSize),
	}
}

func (w *FSWatcher) Start(ctx context.Context, root string) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.root = root
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.addRecursive(root); err != nil {
		return err
	}

	go w.run(runCtx)
	return nil
}

func (w *FSWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *FSWatcher) run(ctx context.Context) {
	defer close(w.events)
	defer close(w.errors)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				slog.Warn("watcher error channel full, dropping", slog.Any("error", err))
			}
		}
	}
}

func (w *FSWatcher) handle(ev fsnotify.Event) {
	var op Operation
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				slog.Warn("failed to watch new directory", slog.String("path", ev.Name), slog.Any("error", err))
			}
			return
		}
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove):
		op = OpDelete
	case ev.Has(fsnotify.Rename):
		op = OpDelete // fsnotify reports the old path as Remove-equivalent; treat as delete
	default:
		return
	}

	relPath := ev.Name
	if rel, err := filepath.Rel(w.root, ev.Name); err == nil {
		relPath = rel
	}

	fe := FileEvent{Path: relPath, Operation: op, Timestamp: time.Now()}
	select {
	case w.events <- fe:
	default:
		slog.Warn("watcher event channel full, dropping", slog.String("path", relPath))
	}
}

func (w *FSWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	if w.cancel != nil {
		w.cancel()
	}
	return w.fsw.Close()
}

func (w *FSWatcher) Events() <-chan FileEvent { return w.events }
func (w *FSWatcher) Errors() <-chan error     { return w.errors }
