package engine

import (
	"math"
	"sync"

	"github.com/pageferry/pageferry/internal/store"
)

// EventType names an orchestrator notification.
type EventType string

const (
	EventSessionCreated EventType = "session-created"
	EventStatusChanged  EventType = "status-changed"
	EventProgress       EventType = "progress"
	EventChunkProcessed EventType = "chunk-processed"
	EventCompleted      EventType = "completed"
	EventError          EventType = "error"
	EventPaused         EventType = "paused"
	EventResumed        EventType = "resumed"
)

// Event is one orchestrator notification. Session is a snapshot taken at
// emission time; fields beyond Type and Session are populated per type.
type Event struct {
	Type    EventType
	Session *store.TransferSession

	// chunk-processed
	ChunkID   string
	Success   bool
	ItemCount int

	// progress
	Processed int64
	Total     *int64 // nil until the source reports it
	Percent   *int   // nil while Total is unknown

	// error
	Err string
}

// subscriber channels are buffered; a slow consumer loses events rather
// than stalling the transfer.
const eventBuffer = 64

// broadcaster fans events out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be
// called when the listener is done; it is safe to call more than once.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publish delivers ev to every subscriber without blocking.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeAll terminates all subscriber channels.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// progressEvent builds a progress snapshot for a session. Percentage is
// rounded and only defined once the total is known.
func progressEvent(sess *store.TransferSession) Event {
	ev := Event{
		Type:      EventProgress,
		Session:   sess,
		Processed: sess.ProcessedItems,
	}
	if sess.TotalItems.Valid {
		total := sess.TotalItems.Int64
		ev.Total = &total
		pct := 0
		if total > 0 {
			pct = int(math.Round(float64(sess.ProcessedItems) / float64(total) * 100))
		}
		ev.Percent = &pct
	}
	return ev
}
