package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher turns filesystem writes in the boards directory into queued
// batches. Events are debounced per board: editors tend to emit several
// writes per save, and one diff after the burst captures them all.
type Watcher struct {
	store    *FileBoardStore
	orch     *Orchestrator
	debounce time.Duration
	logger   Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(store *FileBoardStore, orch *Orchestrator, debounce time.Duration, logger Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		store:    store,
		orch:     orch,
		debounce: debounce,
		logger:   logger,
		timers:   map[string]*time.Timer{},
	}
}

// Run watches until ctx ends. Boards that changed while the watcher was not
// running are picked up by an initial scan.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(w.store.BoardsDir()); err != nil {
		return err
	}

	w.scanAll()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			boardID, valid := boardIDFromFile(filepath.Base(event.Name))
			if !valid {
				continue
			}
			w.schedule(boardID)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		}
	}
}

func (w *Watcher) scanAll() {
	boards, err := w.store.Boards()
	if err != nil {
		w.logf("initial board scan: %v", err)
		return
	}
	for _, boardID := range boards {
		if err := w.orch.EnqueueLocalChanges(boardID); err != nil {
			w.logf("enqueue changes for %s: %v", boardID, err)
		}
	}
}

func (w *Watcher) schedule(boardID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[boardID]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[boardID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, boardID)
		w.mu.Unlock()
		if err := w.orch.EnqueueLocalChanges(boardID); err != nil {
			w.logf("enqueue changes for %s: %v", boardID, err)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for boardID, timer := range w.timers {
		timer.Stop()
		delete(w.timers, boardID)
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
