package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/openboards/boardsync/internal/opqueue"
)

func TestWatcherEnqueuesOnWrite(t *testing.T) {
	rig := newTestRig(t)
	watcher := NewWatcher(rig.store, rig.orch, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	// Let the watcher attach before the write lands.
	time.Sleep(100 * time.Millisecond)
	writeBoard(t, rig.store, testBoard("brd_1"))

	deadline := time.After(5 * time.Second)
	for {
		pending, err := rig.queue.ListByStatus("brd_1", opqueue.StatusPending)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(pending) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 1 pending entry, got %d", len(pending))
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestWatcherInitialScanPicksUpExistingChanges(t *testing.T) {
	rig := newTestRig(t)
	writeBoard(t, rig.store, testBoard("brd_1"))

	watcher := NewWatcher(rig.store, rig.orch, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		pending, err := rig.queue.ListByStatus("brd_1", opqueue.StatusPending)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(pending) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial scan did not enqueue pre-existing changes")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
