package opqueue

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/openboards/boardsync/internal/board"
)

func testOps(title string) board.Ops {
	return board.Ops{board.BoardNameOp{Value: title}}
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	first, err := queue.Enqueue("brd_1", testOps("first"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := queue.Enqueue("brd_1", testOps("second"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if second <= first {
		t.Fatalf("expected monotonic ids, got %d then %d", first, second)
	}

	entry, err := queue.DequeueNext("brd_1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if entry == nil || entry.ID != first || entry.Status != StatusSending {
		t.Fatalf("expected oldest entry %d sending, got %+v", first, entry)
	}
}

func TestDequeueEnforcesSingleFlightPerBoard(t *testing.T) {
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if _, err := queue.Enqueue("brd_1", testOps("a")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue("brd_1", testOps("b")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue("brd_2", testOps("c")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	entry, err := queue.DequeueNext("brd_1")
	if err != nil || entry == nil {
		t.Fatalf("first dequeue failed: %v", err)
	}
	if _, err := queue.DequeueNext("brd_1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight while first entry is sending, got %v", err)
	}
	// Other boards are independent.
	other, err := queue.DequeueNext("brd_2")
	if err != nil || other == nil {
		t.Fatalf("expected brd_2 dequeue to succeed, got %+v (%v)", other, err)
	}

	if err := queue.Ack(entry.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	next, err := queue.DequeueNext("brd_1")
	if err != nil || next == nil {
		t.Fatalf("expected second entry after ack, got %v", err)
	}
}

func TestNackReturnsToPendingUntilRetryCap(t *testing.T) {
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	id, err := queue.Enqueue("brd_1", testOps("a"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for attempt := 1; attempt < MaxRetries; attempt++ {
		if _, err := queue.DequeueNext("brd_1"); err != nil {
			t.Fatalf("attempt %d dequeue failed: %v", attempt, err)
		}
		if err := queue.Nack(id, "connection refused"); err != nil {
			t.Fatalf("attempt %d nack failed: %v", attempt, err)
		}
		pending, _ := queue.ListByStatus("brd_1", StatusPending)
		if len(pending) != 1 || pending[0].RetryCount != attempt {
			t.Fatalf("attempt %d: expected pending entry with retryCount %d, got %+v", attempt, attempt, pending)
		}
	}

	if _, err := queue.DequeueNext("brd_1"); err != nil {
		t.Fatalf("final dequeue failed: %v", err)
	}
	if err := queue.Nack(id, "connection refused"); err != nil {
		t.Fatalf("final nack failed: %v", err)
	}
	failed, _ := queue.ListByStatus("brd_1", StatusFailed)
	if len(failed) != 1 || failed[0].RetryCount != MaxRetries {
		t.Fatalf("expected failed entry after %d attempts, got %+v", MaxRetries, failed)
	}
	if entry, err := queue.DequeueNext("brd_1"); err != nil || entry != nil {
		t.Fatalf("expected failed entry to stay parked, got %+v (%v)", entry, err)
	}
}

func TestFailParksEntryWithoutConsumingRetries(t *testing.T) {
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	id, err := queue.Enqueue("brd_1", testOps("a"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.DequeueNext("brd_1"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if err := queue.Fail(id, "forbidden"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	failed, _ := queue.ListByStatus("brd_1", StatusFailed)
	if len(failed) != 1 || failed[0].RetryCount != 0 || failed[0].Error != "forbidden" {
		t.Fatalf("expected failed entry with zero retries, got %+v", failed)
	}
}

func TestRetryFailedResetsRetryBudget(t *testing.T) {
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	id, err := queue.Enqueue("brd_1", testOps("a"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.DequeueNext("brd_1"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if err := queue.Fail(id, "forbidden"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	retried, err := queue.RetryFailed("brd_1")
	if err != nil || retried != 1 {
		t.Fatalf("expected one retried entry, got %d (%v)", retried, err)
	}
	pending, _ := queue.ListByStatus("brd_1", StatusPending)
	if len(pending) != 1 || pending[0].RetryCount != 0 || pending[0].Error != "" {
		t.Fatalf("expected pending entry with reset budget, got %+v", pending)
	}
}

func TestQueueSurvivesReopenAndRecoversInFlight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileQueue(path)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	id, err := queue.Enqueue("brd_1", testOps("a"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue("brd_1", testOps("b")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	// Simulate a crash mid-flight: entry dequeued but never acked.
	if _, err := queue.DequeueNext("brd_1"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	reopened, err := NewFileQueue(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	sending, _ := reopened.ListByStatus("brd_1", StatusSending)
	if len(sending) != 1 {
		t.Fatalf("expected reopened queue to still hold the in-flight entry, got %+v", sending)
	}
	recovered, err := reopened.RecoverInFlight()
	if err != nil || recovered != 1 {
		t.Fatalf("expected one recovered entry, got %d (%v)", recovered, err)
	}
	entry, err := reopened.DequeueNext("brd_1")
	if err != nil || entry == nil || entry.ID != id {
		t.Fatalf("expected recovered entry %d to be dequeued first, got %+v (%v)", id, entry, err)
	}
	if len(entry.Ops) != 1 {
		t.Fatalf("expected ops to survive reopen, got %+v", entry.Ops)
	}

	newID, err := reopened.Enqueue("brd_1", testOps("c"))
	if err != nil {
		t.Fatalf("enqueue after reopen failed: %v", err)
	}
	if newID <= id {
		t.Fatalf("expected ids to stay monotonic across reopen, got %d after %d", newID, id)
	}
}

func TestEnqueueRejectsEmptyBatch(t *testing.T) {
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if _, err := queue.Enqueue("brd_1", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty batch, got %v", err)
	}
	if _, err := queue.Enqueue("", testOps("a")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing board id, got %v", err)
	}
}
