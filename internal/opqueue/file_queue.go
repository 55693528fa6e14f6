package opqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openboards/boardsync/internal/board"
)

type fileQueue struct {
	path    string
	mu      sync.Mutex
	nextID  int64
	entries []Entry
}

type fileQueueState struct {
	NextID  int64   `json:"nextId"`
	Entries []Entry `json:"entries"`
}

// NewFileQueue opens (or creates) a queue persisted as a single JSON state
// file. Every mutation is flushed with an atomic temp-file rename before it
// is acknowledged to the caller.
func NewFileQueue(path string) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: queue path is required", ErrInvalidInput)
	}
	q := &fileQueue{path: path, nextID: 1}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) Enqueue(boardID string, ops board.Ops) (int64, error) {
	if err := validateEnqueue(boardID, ops); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := Entry{
		ID:        q.nextID,
		BoardID:   boardID,
		Ops:       ops,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	q.nextID++
	q.entries = append(q.entries, entry)
	if err := q.saveLocked(); err != nil {
		q.entries = q.entries[:len(q.entries)-1]
		q.nextID--
		return 0, err
	}
	return entry.ID, nil
}

func (q *fileQueue) DequeueNext(boardID string) (*Entry, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	oldest := -1
	for i := range q.entries {
		if q.entries[i].BoardID != boardID {
			continue
		}
		if q.entries[i].Status == StatusSending {
			return nil, ErrInFlight
		}
		if q.entries[i].Status == StatusPending && oldest < 0 {
			oldest = i
		}
	}
	if oldest < 0 {
		return nil, nil
	}
	previous := q.entries[oldest].Status
	q.entries[oldest].Status = StatusSending
	if err := q.saveLocked(); err != nil {
		q.entries[oldest].Status = previous
		return nil, err
	}
	entry := q.entries[oldest]
	return &entry, nil
}

func (q *fileQueue) Ack(entryID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(entryID)
	if idx < 0 {
		return ErrNotFound
	}
	removed := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	if err := q.saveLocked(); err != nil {
		q.entries = append(q.entries[:idx], append([]Entry{removed}, q.entries[idx:]...)...)
		return err
	}
	return nil
}

func (q *fileQueue) Nack(entryID int64, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(entryID)
	if idx < 0 {
		return ErrNotFound
	}
	if q.entries[idx].Status != StatusSending {
		return fmt.Errorf("%w: entry %d is %s, not sending", ErrInvalidState, entryID, q.entries[idx].Status)
	}
	previous := q.entries[idx]
	q.entries[idx].RetryCount++
	q.entries[idx].Error = errorMessage
	if q.entries[idx].RetryCount < MaxRetries {
		q.entries[idx].Status = StatusPending
	} else {
		q.entries[idx].Status = StatusFailed
	}
	if err := q.saveLocked(); err != nil {
		q.entries[idx] = previous
		return err
	}
	return nil
}

func (q *fileQueue) Fail(entryID int64, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(entryID)
	if idx < 0 {
		return ErrNotFound
	}
	previous := q.entries[idx]
	q.entries[idx].Status = StatusFailed
	q.entries[idx].Error = errorMessage
	if err := q.saveLocked(); err != nil {
		q.entries[idx] = previous
		return err
	}
	return nil
}

func (q *fileQueue) ListByStatus(boardID string, status Status) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, entry := range q.entries {
		if entry.BoardID == boardID && entry.Status == status {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (q *fileQueue) Boards() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var boards []string
	for _, entry := range q.entries {
		if !seen[entry.BoardID] {
			seen[entry.BoardID] = true
			boards = append(boards, entry.BoardID)
		}
	}
	return boards
}

// RecoverInFlight returns crash-interrupted sending entries to pending.
// Called once at startup before the first drain, guaranteeing at-least-once
// delivery for batches that were mid-flight when the process died.
func (q *fileQueue) RecoverInFlight() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	recovered := 0
	for i := range q.entries {
		if q.entries[i].Status == StatusSending {
			q.entries[i].Status = StatusPending
			recovered++
		}
	}
	if recovered == 0 {
		return 0, nil
	}
	if err := q.saveLocked(); err != nil {
		return 0, err
	}
	return recovered, nil
}

// RetryFailed is the explicit retry trigger (reconnection or user action):
// failed entries go back to pending with a fresh retry budget.
func (q *fileQueue) RetryFailed(boardID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	retried := 0
	for i := range q.entries {
		if q.entries[i].BoardID != boardID || q.entries[i].Status != StatusFailed {
			continue
		}
		q.entries[i].Status = StatusPending
		q.entries[i].RetryCount = 0
		q.entries[i].Error = ""
		retried++
	}
	if retried == 0 {
		return 0, nil
	}
	if err := q.saveLocked(); err != nil {
		return 0, err
	}
	return retried, nil
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) indexLocked(entryID int64) int {
	for i := range q.entries {
		if q.entries[i].ID == entryID {
			return i
		}
	}
	return -1
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	q.entries = state.Entries
	q.nextID = state.NextID
	if q.nextID < 1 {
		q.nextID = 1
	}
	for _, entry := range q.entries {
		if entry.ID >= q.nextID {
			q.nextID = entry.ID + 1
		}
	}
	return nil
}

func (q *fileQueue) saveLocked() error {
	state := fileQueueState{
		NextID:  q.nextID,
		Entries: append([]Entry(nil), q.entries...),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
