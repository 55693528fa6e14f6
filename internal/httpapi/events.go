package httpapi

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/openboards/boardsync/internal/ledger"
)

// boardEvent is the wire shape pushed to stream subscribers whenever a batch
// commits. Subscribers pull the op payload themselves; the event only carries
// enough to know a pull is worthwhile.
type boardEvent struct {
	BoardID   string    `json:"boardId"`
	Revision  int64     `json:"revision"`
	OpCount   int       `json:"opCount"`
	AppliedAt time.Time `json:"appliedAt"`
}

type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]eventSub
}

type eventSub struct {
	boardID string
	ch      chan boardEvent
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]eventSub)}
}

// subscribe registers a listener for a single board. An empty boardID
// subscribes to every board. The returned cancel func must be called.
func (h *eventHub) subscribe(boardID string) (<-chan boardEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan boardEvent, 16)
	h.subs[id] = eventSub{boardID: boardID, ch: ch}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *eventHub) clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish fans the entry out without blocking. A subscriber that has fallen
// 16 events behind loses events rather than stalling the commit path; the
// client recovers by pulling from its last known revision.
func (h *eventHub) publish(entry ledger.Entry) {
	ev := boardEvent{
		BoardID:   entry.BoardID,
		Revision:  entry.Revision,
		OpCount:   len(entry.Ops),
		AppliedAt: entry.AppliedAt,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.boardID != "" && sub.boardID != ev.BoardID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, boardID string) error {
	events, cancel := s.events.subscribe(boardID)
	defer cancel()

	metrics().streamClients.Inc()
	defer metrics().streamClients.Dec()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				return err
			}
		}
	}
}
