package ledger

import (
	"context"
	"sync"

	"github.com/openboards/boardsync/internal/board"
)

type memoryBoard struct {
	snapshot *board.Board
	revision int64
	entries  []Entry
}

type MemoryStore struct {
	mu     sync.RWMutex
	boards map[string]*memoryBoard
}

// NewMemoryStore returns a volatile store for tests and single-process
// development deployments.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: map[string]*memoryBoard{}}
}

func (s *MemoryStore) LoadBoard(_ context.Context, boardID string) (*board.Board, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.boards[boardID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return state.snapshot.Clone(), state.revision, nil
}

func (s *MemoryStore) Commit(_ context.Context, snapshot *board.Board, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.boards[entry.BoardID]
	if !ok {
		state = &memoryBoard{}
		s.boards[entry.BoardID] = state
	}
	state.snapshot = snapshot.Clone()
	state.revision = entry.Revision
	state.entries = append(state.entries, entry)
	return nil
}

func (s *MemoryStore) EntriesSince(_ context.Context, boardID string, sinceRevision int64) ([]Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.boards[boardID]
	if !ok {
		return nil, 0, nil
	}
	var out []Entry
	for _, entry := range state.entries {
		if entry.Revision > sinceRevision {
			out = append(out, entry)
		}
	}
	return out, state.revision, nil
}

func (s *MemoryStore) BoardRevisions(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.boards))
	for boardID, state := range s.boards {
		out[boardID] = state.revision
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
