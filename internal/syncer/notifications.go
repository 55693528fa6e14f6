package syncer

import "time"

type NotificationKind string

const (
	NoteEnqueued   NotificationKind = "enqueued"
	NotePushed     NotificationKind = "pushed"
	NotePushFailed NotificationKind = "push_failed"
	NotePulled     NotificationKind = "pulled"
	NotePullFailed NotificationKind = "pull_failed"
	NoteOnline     NotificationKind = "online"
	NoteOffline    NotificationKind = "offline"
)

// Notification reports one observable sync transition. Revision is set for
// pushed and pulled, EntryID for queue-entry events, Error for failures.
// RetryCount on a push failure is the entry's attempt count after the
// failure was recorded, so observers can render it against MaxRetries.
type Notification struct {
	Kind       NotificationKind
	BoardID    string
	EntryID    int64
	Revision   int64
	OpCount    int
	RetryCount int
	Error      string
	At         time.Time
}

// notifier fans notifications into a bounded channel. Publishing never
// blocks: if the consumer lags, the oldest unread notification is dropped so
// sync progress is never gated on observers.
type notifier struct {
	ch chan Notification
}

func newNotifier(buffer int) *notifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &notifier{ch: make(chan Notification, buffer)}
}

func (n *notifier) publish(note Notification) {
	note.At = time.Now().UTC()
	for {
		select {
		case n.ch <- note:
			return
		default:
		}
		select {
		case <-n.ch:
		default:
		}
	}
}
