// Package opqueue provides the durable, per-board FIFO store of operation
// batches awaiting transmission. Entries survive process restarts; the sync
// orchestrator is the only writer.
package opqueue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openboards/boardsync/internal/board"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("entry not found")
	ErrInFlight     = errors.New("another entry is already in flight for this board")
	ErrInvalidState = errors.New("invalid entry state")
)

// MaxRetries is the number of consecutive delivery failures after which an
// entry is parked as failed instead of returning to pending.
const MaxRetries = 5

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
)

// Entry is one queued batch: an ordered group of ops enqueued together,
// retried and acknowledged as a unit.
type Entry struct {
	ID         int64     `json:"id"`
	BoardID    string    `json:"boardId"`
	Ops        board.Ops `json:"ops"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	Error      string    `json:"error,omitempty"`
}

// Queue is the durable batch store. DequeueNext enforces single-flight per
// board: while one entry is sending, no other entry for that board can be
// dequeued. Storage failures are returned to the caller and never retried
// internally.
type Queue interface {
	Enqueue(boardID string, ops board.Ops) (int64, error)
	DequeueNext(boardID string) (*Entry, error)
	Ack(entryID int64) error
	Nack(entryID int64, errorMessage string) error
	Fail(entryID int64, errorMessage string) error
	ListByStatus(boardID string, status Status) ([]Entry, error)
	Boards() []string
	RecoverInFlight() (int, error)
	RetryFailed(boardID string) (int, error)
	Close() error
}

func validateEnqueue(boardID string, ops board.Ops) error {
	if strings.TrimSpace(boardID) == "" {
		return fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	return nil
}
