package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openboards/boardsync/internal/board"
)

var ErrBoardNotFound = errors.New("board not found")

// FileBoardStore keeps each board as <boardID>.json in a directory the user
// edits directly, plus a shadow copy of the last state that was reconciled
// with the queue. Diffing local against shadow yields exactly the ops that
// still need to be enqueued; batches applied from the server advance both
// copies so they never re-surface as local changes.
type FileBoardStore struct {
	boardsDir string
	shadowDir string

	mu sync.Mutex
}

func NewFileBoardStore(boardsDir, shadowDir string) (*FileBoardStore, error) {
	boardsDir = strings.TrimSpace(boardsDir)
	if boardsDir == "" {
		return nil, fmt.Errorf("boards dir is required")
	}
	if strings.TrimSpace(shadowDir) == "" {
		shadowDir = filepath.Join(boardsDir, ".boardsync-shadow")
	}
	if err := os.MkdirAll(boardsDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(shadowDir, 0o755); err != nil {
		return nil, err
	}
	return &FileBoardStore{
		boardsDir: filepath.Clean(boardsDir),
		shadowDir: filepath.Clean(shadowDir),
	}, nil
}

func (s *FileBoardStore) BoardsDir() string {
	return s.boardsDir
}

// Boards lists the board ids present locally, in sorted order.
func (s *FileBoardStore) Boards() ([]string, error) {
	entries, err := os.ReadDir(s.boardsDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := boardIDFromFile(entry.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileBoardStore) LoadBoard(boardID string) (*board.Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(s.boardPath(boardID), boardID)
}

// DetectChanges diffs the local board against its shadow and returns the ops
// needed to bring the shadow up to date, plus the local snapshot the diff was
// computed from. The shadow is not touched: after the ops are safely queued,
// the caller passes the snapshot to CommitShadow. Until that commit the same
// ops are re-detected, so a failed enqueue loses nothing.
func (s *FileBoardStore) DetectChanges(boardID string) (board.Ops, *board.Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.loadLocked(s.boardPath(boardID), boardID)
	if err != nil {
		return nil, nil, err
	}
	shadow, err := s.loadLocked(s.shadowPath(boardID), boardID)
	if err != nil {
		if !errors.Is(err, ErrBoardNotFound) {
			return nil, nil, err
		}
		shadow = &board.Board{ID: boardID, Columns: []board.Column{}}
	}

	ops := board.Diff(shadow, local)
	if len(ops) == 0 {
		return nil, nil, nil
	}
	return ops, local, nil
}

// CommitShadow records snapshot as the reconciled state for the board.
// Committing the detect-time snapshot, not the current file, keeps edits made
// since the diff visible to the next DetectChanges.
func (s *FileBoardStore) CommitShadow(boardID string, snapshot *board.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(s.shadowPath(boardID), snapshot)
}

// ApplyRemote folds a pulled batch into both the local board and its shadow.
// Unsynced local edits survive: they remain as the difference between the
// two copies and are picked up by the next DetectChanges.
func (s *FileBoardStore) ApplyRemote(boardID string, ops board.Ops) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.loadLocked(s.boardPath(boardID), boardID)
	if err != nil {
		if !errors.Is(err, ErrBoardNotFound) {
			return err
		}
		local = &board.Board{ID: boardID, Columns: []board.Column{}}
	}
	shadow, err := s.loadLocked(s.shadowPath(boardID), boardID)
	if err != nil {
		if !errors.Is(err, ErrBoardNotFound) {
			return err
		}
		shadow = &board.Board{ID: boardID, Columns: []board.Column{}}
	}

	if err := board.ApplyAll(local, ops); err != nil {
		return fmt.Errorf("apply remote ops to board %s: %w", boardID, err)
	}
	if err := board.ApplyAll(shadow, ops); err != nil {
		return fmt.Errorf("apply remote ops to shadow %s: %w", boardID, err)
	}
	if err := s.writeLocked(s.boardPath(boardID), local); err != nil {
		return err
	}
	return s.writeLocked(s.shadowPath(boardID), shadow)
}

func (s *FileBoardStore) boardPath(boardID string) string {
	return filepath.Join(s.boardsDir, boardID+".json")
}

func (s *FileBoardStore) shadowPath(boardID string) string {
	return filepath.Join(s.shadowDir, boardID+".json")
}

func (s *FileBoardStore) loadLocked(path, boardID string) (*board.Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBoardNotFound, boardID)
		}
		return nil, err
	}
	var b board.Board
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode board %s: %w", boardID, err)
	}
	if b.ID == "" {
		b.ID = boardID
	}
	if b.Columns == nil {
		b.Columns = []board.Column{}
	}
	return &b, nil
}

func (s *FileBoardStore) writeLocked(path string, b *board.Board) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func boardIDFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(name, ".json")
	if id == "" {
		return "", false
	}
	return id, true
}
