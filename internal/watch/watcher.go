// Package watch turns filesystem events under local source directories into
// coordinator nudges, so new files are picked up at the next tick instead of
// waiting out the poll interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
)

// Nudger marks a source due at the next cycle.
type Nudger interface {
	Nudge(sourceID uint)
}

// Watcher watches the directories of local sources.
type Watcher struct {
	fs     *fsnotify.Watcher
	nudger Nudger

	mu sync.Mutex
	// dirs maps a watched directory to the sources rooted at or above it.
	dirs      map[string][]uint
	recursive map[uint]bool
}

// New creates a Watcher that reports to nudger.
func New(nudger Nudger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		fs:        w,
		nudger:    nudger,
		dirs:      make(map[string][]uint),
		recursive: make(map[uint]bool),
	}, nil
}

// Add watches every directory of a local source, including existing
// subdirectories when the source is recursive. Missing directories are
// skipped with a warning; the scanner reports them on its own.
func (w *Watcher) Add(ctx context.Context, src *domain.IngestionSource) error {
	if src.Kind != domain.SourceKindLocal {
		return nil
	}
	w.mu.Lock()
	w.recursive[src.ID] = src.Recursive
	w.mu.Unlock()

	for _, dir := range src.Directories {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", dir, err)
		}
		if err := w.addTree(abs, src.ID, src.Recursive); err != nil {
			logger.CtxWarn(ctx, "cannot watch %s for source %d: %v", abs, src.ID, err)
		}
	}
	return nil
}

func (w *Watcher) addTree(root string, sourceID uint, recursive bool) error {
	if !recursive {
		return w.addDir(root, sourceID)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.addDir(path, sourceID)
	})
}

func (w *Watcher) addDir(dir string, sourceID uint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.dirs[dir] {
		if id == sourceID {
			return nil
		}
	}
	if len(w.dirs[dir]) == 0 {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir] = append(w.dirs[dir], sourceID)
	return nil
}

func (w *Watcher) owners(dir string) []uint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint(nil), w.dirs[dir]...)
}

// Run delivers nudges until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "watch")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were dropped; every watched source may have changed.
				w.nudgeAll()
				continue
			}
			logger.CtxWarn(ctx, "watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(ev.Name)
	if hidden(name) {
		return
	}
	ids := w.owners(filepath.Dir(ev.Name))
	for _, id := range ids {
		w.nudger.Nudge(id)
	}

	if !ev.Has(fsnotify.Create) {
		return
	}
	st, err := os.Stat(ev.Name)
	if err != nil || !st.IsDir() {
		return
	}
	for _, id := range ids {
		w.mu.Lock()
		recursive := w.recursive[id]
		w.mu.Unlock()
		if !recursive {
			continue
		}
		if err := w.addTree(ev.Name, id, true); err != nil {
			logger.CtxWarn(ctx, "cannot watch new directory %s: %v", ev.Name, err)
		}
	}
}

func (w *Watcher) nudgeAll() {
	w.mu.Lock()
	seen := make(map[uint]struct{})
	for _, ids := range w.dirs {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	w.mu.Unlock()
	for id := range seen {
		w.nudger.Nudge(id)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
