package syncer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// boardState tracks the pull watermark per board: the highest server
// revision whose ops have been folded into the local board.
type boardState struct {
	ServerRevision int64     `json:"serverRevision"`
	LastSyncedAt   time.Time `json:"lastSyncedAt"`
}

// RevisionState persists watermarks across restarts. A lost watermark is
// safe: the next pull re-fetches from zero and idempotent ops absorb the
// replay.
type RevisionState struct {
	path string

	mu     sync.Mutex
	boards map[string]boardState
	loaded bool
}

func NewRevisionState(path string) *RevisionState {
	return &RevisionState{
		path:   path,
		boards: map[string]boardState{},
	}
}

func (s *RevisionState) Revision(boardID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, err
	}
	return s.boards[boardID].ServerRevision, nil
}

func (s *RevisionState) SetRevision(boardID string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.boards[boardID] = boardState{
		ServerRevision: revision,
		LastSyncedAt:   time.Now().UTC(),
	}
	return s.save()
}

// Touch records a completed exchange that carried no new revisions: the
// watermark stays put, only LastSyncedAt advances.
func (s *RevisionState) Touch(boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	state := s.boards[boardID]
	state.LastSyncedAt = time.Now().UTC()
	s.boards[boardID] = state
	return s.save()
}

// LastSyncedAt reports when the board last finished a successful exchange
// with the server; zero if it never has.
func (s *RevisionState) LastSyncedAt(boardID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return time.Time{}, err
	}
	return s.boards[boardID].LastSyncedAt, nil
}

func (s *RevisionState) load() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var boards map[string]boardState
	if err := json.Unmarshal(data, &boards); err != nil {
		return err
	}
	if boards == nil {
		boards = map[string]boardState{}
	}
	s.boards = boards
	return nil
}

func (s *RevisionState) save() error {
	data, err := json.Marshal(s.boards)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
