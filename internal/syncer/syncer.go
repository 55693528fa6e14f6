package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openboards/boardsync/internal/opqueue"
)

const (
	minPullInterval = 10 * time.Second
	maxPullInterval = 300 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Queue        opqueue.Queue
	Client       RemoteClient
	Store        *FileBoardStore
	State        *RevisionState
	PullInterval time.Duration
	// NotificationBuffer bounds the observer channel; zero means 64.
	NotificationBuffer int
	Logger             Logger
}

// Orchestrator owns the push/pull cycle. Exactly one push or pull runs per
// board at a time; different boards proceed independently.
type Orchestrator struct {
	queue    opqueue.Queue
	client   RemoteClient
	store    *FileBoardStore
	state    *RevisionState
	interval time.Duration
	logger   Logger
	notes    *notifier

	kick chan struct{}

	mu     sync.Mutex
	online bool
	locks  map[string]*sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("state is required")
	}
	interval := opts.PullInterval
	if interval < minPullInterval {
		interval = minPullInterval
	}
	if interval > maxPullInterval {
		interval = maxPullInterval
	}
	return &Orchestrator{
		queue:    opts.Queue,
		client:   opts.Client,
		store:    opts.Store,
		state:    opts.State,
		interval: interval,
		logger:   opts.Logger,
		notes:    newNotifier(opts.NotificationBuffer),
		kick:     make(chan struct{}, 1),
		online:   true,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// Notifications exposes the lifecycle stream. Reading it is optional.
func (o *Orchestrator) Notifications() <-chan Notification {
	return o.notes.ch
}

// Kick requests a sync cycle without waiting for the pull ticker.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// SetOnline flips connectivity. Coming back online re-arms every parked
// entry with a fresh retry budget and triggers an immediate cycle.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()
	if was == online {
		return
	}
	if !online {
		o.notes.publish(Notification{Kind: NoteOffline})
		return
	}
	// A lost ack can leave a delivered entry stuck in sending; reconnection
	// is a safe point to return it to pending, the server absorbs the
	// idempotent replay.
	if n, err := o.queue.RecoverInFlight(); err != nil {
		o.logf("recover in-flight entries: %v", err)
	} else if n > 0 {
		o.logf("recovered %d in-flight entries on reconnect", n)
	}
	for _, boardID := range o.queue.Boards() {
		if n, err := o.queue.RetryFailed(boardID); err != nil {
			o.logf("retry failed entries for %s: %v", boardID, err)
		} else if n > 0 {
			o.logf("re-armed %d failed entries for %s", n, boardID)
		}
	}
	o.notes.publish(Notification{Kind: NoteOnline})
	o.Kick()
}

func (o *Orchestrator) isOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// EnqueueLocalChanges diffs the board against its shadow and queues the
// result as one batch.
func (o *Orchestrator) EnqueueLocalChanges(boardID string) error {
	ops, snapshot, err := o.store.DetectChanges(boardID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	entryID, err := o.queue.Enqueue(boardID, ops)
	if err != nil {
		return err
	}
	// The shadow advances only once the batch is durably queued. A failed
	// shadow write re-enqueues the same ops later; idempotent apply absorbs
	// the duplicate, a lost batch could not be recovered.
	if err := o.store.CommitShadow(boardID, snapshot); err != nil {
		o.logf("commit shadow for %s: %v", boardID, err)
	}
	o.notes.publish(Notification{
		Kind:    NoteEnqueued,
		BoardID: boardID,
		EntryID: entryID,
		OpCount: len(ops),
	})
	o.Kick()
	return nil
}

// Run drives the cycle until ctx ends. Entries left in the sending state by
// a crash are recovered to pending before the first cycle.
func (o *Orchestrator) Run(ctx context.Context) error {
	recovered, err := o.queue.RecoverInFlight()
	if err != nil {
		return fmt.Errorf("recover in-flight entries: %w", err)
	}
	if recovered > 0 {
		o.logf("recovered %d in-flight entries", recovered)
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.kick:
			o.SyncAll(ctx)
		case <-ticker.C:
			o.SyncAll(ctx)
		}
	}
}

// SyncAll runs one push/pull cycle for every board known locally or queued.
func (o *Orchestrator) SyncAll(ctx context.Context) {
	if !o.isOnline() {
		return
	}
	for _, boardID := range o.knownBoards() {
		if ctx.Err() != nil {
			return
		}
		o.SyncBoard(ctx, boardID)
	}
}

// SyncBoard pushes the board's queued batches in order, then pulls whatever
// the server has accepted past the local watermark.
func (o *Orchestrator) SyncBoard(ctx context.Context, boardID string) {
	lock := o.boardLock(boardID)
	lock.Lock()
	defer lock.Unlock()

	if !o.pushDrain(ctx, boardID) {
		return
	}
	o.pull(ctx, boardID)
}

// pushDrain sends pending entries oldest-first until the queue is empty or a
// delivery fails. Returns false when the cycle should stop before pulling.
func (o *Orchestrator) pushDrain(ctx context.Context, boardID string) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		entry, err := o.queue.DequeueNext(boardID)
		if err != nil {
			if errors.Is(err, opqueue.ErrInFlight) {
				return false
			}
			o.logf("dequeue for %s: %v", boardID, err)
			return false
		}
		if entry == nil {
			return true
		}

		watermark, err := o.state.Revision(boardID)
		if err != nil {
			o.logf("read watermark for %s: %v", boardID, err)
			watermark = 0
		}
		revision, pushErr := o.client.Push(ctx, boardID, entry.Ops, watermark)
		if pushErr != nil {
			o.handlePushFailure(boardID, entry, pushErr)
			return false
		}
		if err := o.queue.Ack(entry.ID); err != nil {
			o.logf("ack entry %d: %v", entry.ID, err)
			return false
		}
		// Advancing the watermark past foreign batches would skip them on
		// the next pull, so only fast-forward when our batch was the sole
		// successor.
		if revision == watermark+1 {
			if err := o.state.SetRevision(boardID, revision); err != nil {
				o.logf("save watermark for %s: %v", boardID, err)
			}
		}
		o.notes.publish(Notification{
			Kind:     NotePushed,
			BoardID:  boardID,
			EntryID:  entry.ID,
			Revision: revision,
			OpCount:  len(entry.Ops),
		})
	}
}

func (o *Orchestrator) handlePushFailure(boardID string, entry *opqueue.Entry, pushErr error) {
	var httpErr *HTTPError
	terminal := errors.As(pushErr, &httpErr) && !httpErr.Retryable()
	retryCount := entry.RetryCount
	if terminal {
		if err := o.queue.Fail(entry.ID, pushErr.Error()); err != nil {
			o.logf("park entry %d: %v", entry.ID, err)
		}
	} else {
		if err := o.queue.Nack(entry.ID, pushErr.Error()); err != nil {
			o.logf("nack entry %d: %v", entry.ID, err)
		}
		retryCount++
	}
	o.logf("push entry %d for %s failed (attempt %d): %v", entry.ID, boardID, retryCount, pushErr)
	o.notes.publish(Notification{
		Kind:       NotePushFailed,
		BoardID:    boardID,
		EntryID:    entry.ID,
		OpCount:    len(entry.Ops),
		RetryCount: retryCount,
		Error:      pushErr.Error(),
	})
}

func (o *Orchestrator) pull(ctx context.Context, boardID string) {
	since, err := o.state.Revision(boardID)
	if err != nil {
		o.logf("read watermark for %s: %v", boardID, err)
		return
	}
	ops, revision, err := o.client.Pull(ctx, boardID, since)
	if err != nil {
		o.logf("pull %s: %v", boardID, err)
		o.notes.publish(Notification{
			Kind:    NotePullFailed,
			BoardID: boardID,
			Error:   err.Error(),
		})
		return
	}
	if revision <= since {
		// Nothing new, but the exchange succeeded; diagnostics distinguish
		// "recently synced, quiet" from "has not synced in a while".
		if err := o.state.Touch(boardID); err != nil {
			o.logf("record sync time for %s: %v", boardID, err)
		}
		return
	}
	if len(ops) > 0 {
		if err := o.store.ApplyRemote(boardID, ops); err != nil {
			o.logf("apply pulled ops to %s: %v", boardID, err)
			o.notes.publish(Notification{
				Kind:    NotePullFailed,
				BoardID: boardID,
				Error:   err.Error(),
			})
			return
		}
	}
	if err := o.state.SetRevision(boardID, revision); err != nil {
		o.logf("save watermark for %s: %v", boardID, err)
		return
	}
	o.notes.publish(Notification{
		Kind:     NotePulled,
		BoardID:  boardID,
		Revision: revision,
		OpCount:  len(ops),
	})
}

func (o *Orchestrator) knownBoards() []string {
	seen := map[string]struct{}{}
	for _, boardID := range o.queue.Boards() {
		seen[boardID] = struct{}{}
	}
	if local, err := o.store.Boards(); err == nil {
		for _, boardID := range local {
			seen[boardID] = struct{}{}
		}
	} else {
		o.logf("list local boards: %v", err)
	}
	ids := make([]string, 0, len(seen))
	for boardID := range seen {
		ids = append(ids, boardID)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) boardLock(boardID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[boardID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[boardID] = lock
	}
	return lock
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
