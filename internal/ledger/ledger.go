// Package ledger implements the authoritative, server-side source of truth:
// it applies pushed operation batches to its copy of each board, assigns
// monotonically increasing revisions, and serves the append-only batch log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openboards/boardsync/internal/board"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Entry is one accepted batch: the unit of the append-only per-board log.
type Entry struct {
	BoardID   string    `json:"boardId"`
	Revision  int64     `json:"revision"`
	Ops       board.Ops `json:"ops"`
	AppliedAt time.Time `json:"appliedAt"`
}

// Store persists board state and the batch log. Commit must be atomic:
// either the mutated snapshot and the new entry are both durable, or
// neither is. EntriesSince must observe a consistent snapshot even while a
// Commit for the same board is in progress.
type Store interface {
	LoadBoard(ctx context.Context, boardID string) (*board.Board, int64, error)
	Commit(ctx context.Context, snapshot *board.Board, entry Entry) error
	EntriesSince(ctx context.Context, boardID string, sinceRevision int64) ([]Entry, int64, error)
	BoardRevisions(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Listener observes accepted batches; used to feed live event streams.
type Listener func(Entry)

type Ledger struct {
	store    Store
	listener Listener

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: map[string]*sync.Mutex{},
	}
}

// SetListener registers the accepted-batch observer. Must be called before
// the ledger starts serving traffic.
func (l *Ledger) SetListener(listener Listener) {
	l.listener = listener
}

// Apply commits one batch under an exclusive per-board lock: read current
// revision, apply ops in order to a working copy, persist snapshot and
// ledger entry as one unit. The whole batch is rejected on any failure.
//
// clientRevision is the pusher's watermark. A stale watermark does not
// reject the batch: ops are designed to be safe to apply out of causal
// order, and the granularity policy (overwrite scalars, whole-structure
// replacements, explicit ids) keeps unconditional apply coherent. This is
// a deliberate trade-off, not a CRDT guarantee.
func (l *Ledger) Apply(ctx context.Context, boardID string, ops board.Ops, clientRevision int64) (int64, error) {
	if strings.TrimSpace(boardID) == "" {
		return 0, fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	if len(ops) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	_ = clientRevision

	lock := l.boardLock(boardID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, revision, err := l.store.LoadBoard(ctx, boardID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("load board %s: %w", boardID, err)
		}
		snapshot = &board.Board{ID: boardID, Columns: []board.Column{}}
		revision = 0
	}
	working := snapshot.Clone()
	if err := board.ApplyAll(working, ops); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	entry := Entry{
		BoardID:   boardID,
		Revision:  revision + 1,
		Ops:       ops,
		AppliedAt: time.Now().UTC(),
	}
	if err := l.store.Commit(ctx, working, entry); err != nil {
		return 0, fmt.Errorf("commit board %s: %w", boardID, err)
	}
	if l.listener != nil {
		l.listener(entry)
	}
	return entry.Revision, nil
}

// Pull returns the concatenated ops of all entries with revision >
// sinceRevision, plus the current server revision. Safe to call while an
// Apply for the same board is committing.
func (l *Ledger) Pull(ctx context.Context, boardID string, sinceRevision int64) (board.Ops, int64, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, 0, fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	entries, revision, err := l.store.EntriesSince(ctx, boardID, sinceRevision)
	if err != nil {
		return nil, 0, fmt.Errorf("pull board %s: %w", boardID, err)
	}
	var ops board.Ops
	for _, entry := range entries {
		ops = append(ops, entry.Ops...)
	}
	return ops, revision, nil
}

// Snapshot returns the current authoritative board state and revision.
func (l *Ledger) Snapshot(ctx context.Context, boardID string) (*board.Board, int64, error) {
	return l.store.LoadBoard(ctx, boardID)
}

// Revisions reports the current revision per known board (diagnostics).
func (l *Ledger) Revisions(ctx context.Context) (map[string]int64, error) {
	return l.store.BoardRevisions(ctx)
}

func (l *Ledger) boardLock(boardID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[boardID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[boardID] = lock
	}
	return lock
}
