package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openboards/boardsync/internal/board"
	"github.com/openboards/boardsync/internal/opqueue"
)

// fakeRemote is an in-memory server: it records pushed batches in order and
// serves them back as pulls. pushErr, when set, fails every push.
type fakeRemote struct {
	mu       sync.Mutex
	batches  []board.Ops
	pushErr  error
	pushes   int
	revision int64
}

func (f *fakeRemote) Push(_ context.Context, _ string, ops board.Ops, _ int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if f.pushErr != nil {
		return 0, f.pushErr
	}
	f.batches = append(f.batches, ops)
	f.revision++
	return f.revision, nil
}

func (f *fakeRemote) Pull(_ context.Context, _ string, since int64) (board.Ops, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops board.Ops
	for i := int(since); i < len(f.batches); i++ {
		ops = append(ops, f.batches[i]...)
	}
	return ops, f.revision, nil
}

func (f *fakeRemote) setPushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

func (f *fakeRemote) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type testRig struct {
	remote *fakeRemote
	queue  opqueue.Queue
	store  *FileBoardStore
	state  *RevisionState
	orch   *Orchestrator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	queue, err := opqueue.NewFileQueue(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	store, err := NewFileBoardStore(filepath.Join(dir, "boards"), filepath.Join(dir, "shadow"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	remote := &fakeRemote{}
	state := NewRevisionState(filepath.Join(dir, "state.json"))
	orch, err := New(Options{
		Queue:  queue,
		Client: remote,
		Store:  store,
		State:  state,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &testRig{remote: remote, queue: queue, store: store, state: state, orch: orch}
}

func writeBoard(t *testing.T, store *FileBoardStore, b *board.Board) {
	t.Helper()
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal board: %v", err)
	}
	path := filepath.Join(store.BoardsDir(), b.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write board file: %v", err)
	}
}

func testBoard(id string) *board.Board {
	return &board.Board{
		ID:   id,
		Name: "Sprint",
		Columns: []board.Column{
			{ID: "col_1", Title: "Todo", Cards: []board.Card{{ID: "crd_1", Title: "task"}}},
		},
	}
}

func TestDetectEnqueuePushPull(t *testing.T) {
	rig := newTestRig(t)
	writeBoard(t, rig.store, testBoard("brd_1"))

	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := rig.queue.ListByStatus("brd_1", opqueue.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}

	rig.orch.SyncBoard(context.Background(), "brd_1")

	if rig.remote.batchCount() != 1 {
		t.Fatalf("expected 1 pushed batch, got %d", rig.remote.batchCount())
	}
	pending, _ = rig.queue.ListByStatus("brd_1", opqueue.StatusPending)
	if len(pending) != 0 {
		t.Fatalf("expected queue drained, got %d pending", len(pending))
	}

	// The board's own ops must not come back as local changes after the
	// cycle completes.
	ops, _, err := rig.store.DetectChanges("brd_1")
	if err != nil {
		t.Fatalf("detect changes: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no residual changes, got %d ops", len(ops))
	}
}

func TestOfflineBatchesFlushInOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.setPushErr(errors.New("dial tcp: connection refused"))

	b := testBoard("brd_1")
	writeBoard(t, rig.store, b)
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	b.Name = "Sprint 2"
	writeBoard(t, rig.store, b)
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	rig.orch.SyncBoard(context.Background(), "brd_1")
	if rig.remote.batchCount() != 0 {
		t.Fatal("expected no batches delivered while offline")
	}

	rig.remote.setPushErr(nil)
	rig.orch.SyncBoard(context.Background(), "brd_1")

	if rig.remote.batchCount() != 2 {
		t.Fatalf("expected 2 batches after reconnect, got %d", rig.remote.batchCount())
	}
	first := rig.remote.batches[0]
	if len(first) == 0 {
		t.Fatal("expected first batch to carry ops")
	}
	if _, ok := first[0].(board.BoardNameOp); !ok {
		t.Fatalf("expected first batch to lead with the initial name op, got %T", first[0])
	}
}

func TestRetryCapParksEntryAndReconnectRearms(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.setPushErr(errors.New("boom"))

	writeBoard(t, rig.store, testBoard("brd_1"))
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < opqueue.MaxRetries; i++ {
		rig.orch.SyncBoard(context.Background(), "brd_1")
	}
	failed, err := rig.queue.ListByStatus("brd_1", opqueue.StatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 parked entry after %d attempts, got %d", opqueue.MaxRetries, len(failed))
	}

	// A parked entry must not burn further attempts.
	before := rig.remote.pushes
	rig.orch.SyncBoard(context.Background(), "brd_1")
	if rig.remote.pushes != before {
		t.Fatal("expected no push attempts for parked entry")
	}

	rig.remote.setPushErr(nil)
	rig.orch.SetOnline(false)
	rig.orch.SetOnline(true)
	rig.orch.SyncBoard(context.Background(), "brd_1")

	if rig.remote.batchCount() != 1 {
		t.Fatalf("expected parked entry delivered after reconnect, got %d batches", rig.remote.batchCount())
	}
}

func TestTerminalErrorParksWithoutRetries(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.setPushErr(&HTTPError{StatusCode: http.StatusForbidden, Code: "forbidden"})

	writeBoard(t, rig.store, testBoard("brd_1"))
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rig.orch.SyncBoard(context.Background(), "brd_1")

	failed, err := rig.queue.ListByStatus("brd_1", opqueue.StatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected entry parked on first attempt, got %d failed", len(failed))
	}
	if failed[0].RetryCount != 0 {
		t.Fatalf("expected no retry budget spent, got %d", failed[0].RetryCount)
	}
	if rig.remote.pushes != 1 {
		t.Fatalf("expected exactly one attempt, got %d", rig.remote.pushes)
	}
}

func TestPullFoldsRemoteBatchesIntoLocalBoard(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.batches = []board.Ops{
		{
			board.ColumnAddOp{Column: board.Column{ID: "col_1", Title: "Todo", Cards: []board.Card{}}, Index: 0},
			board.BoardNameOp{Value: "Remote"},
		},
	}
	rig.remote.revision = 1

	rig.orch.SyncBoard(context.Background(), "brd_1")

	local, err := rig.store.LoadBoard("brd_1")
	if err != nil {
		t.Fatalf("load board: %v", err)
	}
	if local.Name != "Remote" || len(local.Columns) != 1 {
		t.Fatalf("unexpected board after pull: %+v", local)
	}

	ops, _, err := rig.store.DetectChanges("brd_1")
	if err != nil {
		t.Fatalf("detect changes: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("pulled batch must not re-enqueue, got %d ops", len(ops))
	}
}

func TestLocalEditsSurvivePull(t *testing.T) {
	rig := newTestRig(t)
	b := testBoard("brd_1")
	writeBoard(t, rig.store, b)
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Make an edit that stays local, then fold in a remote batch.
	b.Columns[0].Title = "Doing"
	writeBoard(t, rig.store, b)
	if err := rig.store.ApplyRemote("brd_1", board.Ops{board.BoardNameOp{Value: "Remote"}}); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	ops, _, err := rig.store.DetectChanges("brd_1")
	if err != nil {
		t.Fatalf("detect changes: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected the local title edit to survive, got %d ops", len(ops))
	}
	if _, ok := ops[0].(board.ColumnTitleOp); !ok {
		t.Fatalf("expected column title op, got %T", ops[0])
	}
	local, err := rig.store.LoadBoard("brd_1")
	if err != nil {
		t.Fatalf("load board: %v", err)
	}
	if local.Name != "Remote" {
		t.Fatalf("expected remote name applied, got %q", local.Name)
	}
}

func TestRestartRedeliversUnackedEntry(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.json")

	queue, err := opqueue.NewFileQueue(queuePath)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	store, err := NewFileBoardStore(filepath.Join(dir, "boards"), filepath.Join(dir, "shadow"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	writeBoard(t, store, testBoard("brd_1"))
	ops, snapshot, err := store.DetectChanges("brd_1")
	if err != nil {
		t.Fatalf("detect changes: %v", err)
	}
	if _, err := queue.Enqueue("brd_1", ops); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.CommitShadow("brd_1", snapshot); err != nil {
		t.Fatalf("commit shadow: %v", err)
	}

	// Simulate a crash between the server accepting the batch and the ack
	// being recorded: the entry is stuck in sending.
	if _, err := queue.DequeueNext("brd_1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close queue: %v", err)
	}

	reopened, err := opqueue.NewFileQueue(queuePath)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	remote := &fakeRemote{}
	orch, err := New(Options{
		Queue:  reopened,
		Client: remote,
		Store:  store,
		State:  NewRevisionState(filepath.Join(dir, "state.json")),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for remote.batchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("batch was not redelivered after restart")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if remote.batchCount() != 1 {
		t.Fatalf("expected exactly one redelivery, got %d", remote.batchCount())
	}
}

func TestEmptyPullRecordsSyncTime(t *testing.T) {
	rig := newTestRig(t)
	writeBoard(t, rig.store, testBoard("brd_1"))

	before, err := rig.state.LastSyncedAt("brd_1")
	if err != nil {
		t.Fatalf("read sync time: %v", err)
	}
	if !before.IsZero() {
		t.Fatalf("expected zero sync time before the first cycle, got %v", before)
	}

	// Nothing queued and nothing new on the server: the exchange carries no
	// ops but still counts as a completed sync.
	rig.orch.SyncBoard(context.Background(), "brd_1")

	after, err := rig.state.LastSyncedAt("brd_1")
	if err != nil {
		t.Fatalf("read sync time: %v", err)
	}
	if after.IsZero() {
		t.Fatal("expected lastSyncedAt to advance on an empty pull")
	}
	revision, err := rig.state.Revision("brd_1")
	if err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	if revision != 0 {
		t.Fatalf("empty pull must not move the watermark, got %d", revision)
	}
}

// enqueueFailQueue fails the next Enqueue and passes everything else through.
type enqueueFailQueue struct {
	opqueue.Queue
	failNext bool
}

func (q *enqueueFailQueue) Enqueue(boardID string, ops board.Ops) (int64, error) {
	if q.failNext {
		q.failNext = false
		return 0, errors.New("disk full")
	}
	return q.Queue.Enqueue(boardID, ops)
}

func TestEnqueueFailureKeepsChangesDetectable(t *testing.T) {
	dir := t.TempDir()
	inner, err := opqueue.NewFileQueue(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	queue := &enqueueFailQueue{Queue: inner, failNext: true}
	store, err := NewFileBoardStore(filepath.Join(dir, "boards"), filepath.Join(dir, "shadow"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	orch, err := New(Options{
		Queue:  queue,
		Client: &fakeRemote{},
		Store:  store,
		State:  NewRevisionState(filepath.Join(dir, "state.json")),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	writeBoard(t, store, testBoard("brd_1"))

	if err := orch.EnqueueLocalChanges("brd_1"); err == nil {
		t.Fatal("expected the enqueue failure to surface")
	}

	// The shadow must not have advanced past an unqueued batch: the same
	// edit is re-detected and queued once the queue recovers.
	if err := orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue after recovery: %v", err)
	}
	pending, err := inner.ListByStatus("brd_1", opqueue.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || len(pending[0].Ops) == 0 {
		t.Fatalf("expected the detected batch queued after the failure, got %+v", pending)
	}
}

func TestPushFailureNotificationCarriesRetryCount(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.setPushErr(errors.New("boom"))
	writeBoard(t, rig.store, testBoard("brd_1"))
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rig.orch.SyncBoard(context.Background(), "brd_1")
	rig.orch.SyncBoard(context.Background(), "brd_1")

	var counts []int
drain:
	for {
		select {
		case note := <-rig.orch.Notifications():
			if note.Kind == NotePushFailed {
				counts = append(counts, note.RetryCount)
			}
		default:
			break drain
		}
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 2 {
		t.Fatalf("expected failure notifications with attempt counts [1 2], got %v", counts)
	}
}

func TestReconnectRecoversStuckInFlightEntry(t *testing.T) {
	rig := newTestRig(t)
	writeBoard(t, rig.store, testBoard("brd_1"))
	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// An ack lost after delivery leaves the entry in sending; every later
	// dequeue reports it in flight.
	if _, err := rig.queue.DequeueNext("brd_1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	rig.orch.SyncBoard(context.Background(), "brd_1")
	if rig.remote.pushes != 0 {
		t.Fatalf("expected no attempts while the entry is in flight, got %d", rig.remote.pushes)
	}

	rig.orch.SetOnline(false)
	rig.orch.SetOnline(true)
	rig.orch.SyncBoard(context.Background(), "brd_1")

	if rig.remote.batchCount() != 1 {
		t.Fatalf("expected the stuck entry delivered after reconnect, got %d batches", rig.remote.batchCount())
	}
}

func TestNotificationsObserveLifecycle(t *testing.T) {
	rig := newTestRig(t)
	writeBoard(t, rig.store, testBoard("brd_1"))

	if err := rig.orch.EnqueueLocalChanges("brd_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rig.orch.SyncBoard(context.Background(), "brd_1")

	kinds := map[NotificationKind]bool{}
	for {
		select {
		case note := <-rig.orch.Notifications():
			kinds[note.Kind] = true
		default:
			if !kinds[NoteEnqueued] || !kinds[NotePushed] {
				t.Fatalf("missing lifecycle notifications, saw %v", kinds)
			}
			return
		}
	}
}
