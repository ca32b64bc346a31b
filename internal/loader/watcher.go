package loader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads installed mods when their package directories change
// on disk. Events for one mod are debounced so a multi-file copy
// triggers a single reload.
type Watcher struct {
	loader   *Loader
	root     string
	logger   *zap.Logger
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches root, whose immediate subdirectories are mod
// packages named after the mods they contain.
func NewWatcher(loader *Loader, root string, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:   loader,
		root:     root,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if name := w.modFor(event.Name); name != "" {
				w.schedule(ctx, name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("mod watcher error", zap.Error(err))
		}
	}
}

// modFor maps a changed path to the mod whose package contains it.
func (w *Watcher) modFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	return parts[0]
}

func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[name]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()
		w.reload(ctx, name)
	})
}

func (w *Watcher) reload(ctx context.Context, name string) {
	if _, ok := w.loader.Get(name); !ok {
		return
	}
	w.logger.Info("mod package changed; reloading", zap.String("mod", name))
	if err := w.loader.Reload(ctx, name); err != nil {
		w.logger.Error("reload failed", zap.String("mod", name), zap.Error(err))
	}
}
