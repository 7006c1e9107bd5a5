package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/transport"
)

// DefaultDebounce is how long a drop box must be quiet before its cycle is
// triggered.
const DefaultDebounce = 2 * time.Second

// Watcher triggers an early cycle when a result file lands in a drop box.
// Bursts of events for one directory collapse into a single trigger.
type Watcher struct {
	watcher  *fsnotify.Watcher
	trigger  func(ctx context.Context, id string)
	debounce time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	dirs   map[string]string // dir -> processor id
	timers map[string]*time.Timer
}

func NewWatcher(trigger func(ctx context.Context, id string), debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dispatch: start watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watcher:  w,
		trigger:  trigger,
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
		dirs:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Add watches dir on behalf of processor id.
func (w *Watcher) Add(id, dir string) error {
	dir = filepath.Clean(dir)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("dispatch: watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[dir] = id
	w.mu.Unlock()
	w.logger.Info().Str("processor", id).Str("dir", dir).Msg("watching drop box")
	return nil
}

// Run delivers triggers until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !transport.IsResultFile(filepath.Base(ev.Name)) {
				continue
			}
			w.schedule(ctx, filepath.Dir(ev.Name))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.dirs[dir]
	if !ok {
		return
	}
	if t, ok := w.timers[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, dir)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.trigger(ctx, id)
	})
}

// Close stops pending triggers and releases the watcher.
func (w *Watcher) Close() {
	w.mu.Lock()
	for dir, t := range w.timers {
		t.Stop()
		delete(w.timers, dir)
	}
	w.mu.Unlock()
	w.watcher.Close()
}
