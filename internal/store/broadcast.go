package store

import (
	"sync"
	"time"
)

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventToken     EventKind = "token"
	EventComplete  EventKind = "complete"
	EventCancelled EventKind = "cancelled"
)

// Event is one broadcast notification delivered to conversation
// watchers subscribed via Store.Subscribe.
type Event struct {
	Kind       EventKind
	MessageID  string
	Content    string // full accumulated content at time of publish
	Delta      string
	TokensUsed int
	MaxTokens  int
}

const (
	coalesceInterval = 200 * time.Millisecond
	coalesceMinChars = 64
)

// Hub fans out events per conversation. Publishing is coalesced: token
// events are buffered and only actually sent to subscribers once either
// coalesceMinChars of new content has accumulated or coalesceInterval has
// elapsed since the last flush, following the accumulate-then-flush idiom
// of other_examples' StreamingBuffer (see DESIGN.md). Complete/Cancelled
// events always flush immediately and close out the per-conversation
// coalescing state.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	pending     *Event
	pendingLen  int
	lastFlush   time.Time
	timer       *time.Timer
}

func newHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) topicFor(conversationID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[conversationID]
	if !ok {
		t = &topic{subscribers: make(map[chan Event]struct{})}
		h.topics[conversationID] = t
	}
	return t
}

func (h *Hub) subscribe(conversationID string) (<-chan Event, func()) {
	t := h.topicFor(conversationID)
	ch := make(chan Event, 32)

	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subscribers, ch)
		t.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) publish(conversationID string, ev Event) {
	t := h.topicFor(conversationID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Kind != EventToken {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.pending = nil
		t.pendingLen = 0
		t.broadcastLocked(ev)
		return
	}

	t.pending = &ev
	t.pendingLen += len(ev.Delta)

	dueNow := t.pendingLen >= coalesceMinChars || time.Since(t.lastFlush) >= coalesceInterval
	if dueNow {
		t.flushLocked()
		return
	}
	if t.timer == nil {
		remaining := coalesceInterval - time.Since(t.lastFlush)
		if remaining < 0 {
			remaining = 0
		}
		t.timer = time.AfterFunc(remaining, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.flushLocked()
		})
	}
}

// flushLocked sends the pending coalesced event, if any. Caller holds t.mu.
func (t *topic) flushLocked() {
	if t.pending == nil {
		return
	}
	ev := *t.pending
	t.pending = nil
	t.pendingLen = 0
	t.lastFlush = time.Now()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.broadcastLocked(ev)
}

// broadcastLocked sends ev to every subscriber without blocking; a
// lagged subscriber's channel is full and the send is dropped rather
// than stalling the generation loop.
func (t *topic) broadcastLocked(ev Event) {
	for ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
