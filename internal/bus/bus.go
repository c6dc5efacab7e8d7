// Package bus is the per-round in-memory pub/sub that fans AI stream events
// out to SSE subscribers. History replay is the server's job; the bus only
// carries live events.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// EventType classifies a bus event.
type EventType string

const (
	EventAssistant  EventType = "assistant"
	EventTool       EventType = "tool"
	EventUser       EventType = "user"
	EventWorkspace  EventType = "workspace"
	EventDocUpdated EventType = "doc_updated"
	// EventPRDUpdated is the legacy alias older clients still listen for.
	EventPRDUpdated EventType = "prd_updated"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventInfo       EventType = "info"
)

// Terminal reports whether the event ends a stage stream.
func (t EventType) Terminal() bool { return t == EventDone || t == EventError }

// Event is the envelope published to subscribers and framed as SSE data.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	Filename string    `json:"filename,omitempty"`
}

const subscriberBuffer = 256

// Bus maps round ids to their live subscribers. Publication never blocks
// on a slow subscriber: when a buffer is full the oldest non-terminal event
// is dropped to make room. Terminal events are always delivered.
type Bus struct {
	mu     sync.Mutex
	rounds map[string]map[chan Event]struct{}
	logger *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		rounds: make(map[string]map[chan Event]struct{}),
		logger: logger.Named("bus"),
	}
}

// Subscribe registers a new subscriber for a round and returns its channel.
func (b *Bus) Subscribe(roundID string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.rounds[roundID] == nil {
		b.rounds[roundID] = make(map[chan Event]struct{})
	}
	b.rounds[roundID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(roundID string, ch chan Event) {
	b.mu.Lock()
	subs := b.rounds[roundID]
	if _, ok := subs[ch]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(b.rounds, roundID)
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to every current subscriber of the round.
func (b *Bus) Publish(roundID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.rounds[roundID] {
		b.deliver(roundID, ch, ev)
	}
}

// deliver enqueues one event, evicting the oldest buffered event when full.
// Caller holds the lock, so the channel cannot be closed concurrently.
func (b *Bus) deliver(roundID string, ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-ch:
			if dropped.Type.Terminal() {
				// Never lose a terminal event; put it back in front by
				// re-delivering it before the new one.
				b.logger.Warn("subscriber buffer full with terminal event queued",
					zap.String("round", roundID))
				select {
				case ch <- dropped:
				default:
				}
				return
			}
		default:
			return
		}
	}
}

// SubscriberCount reports how many subscribers a round has.
func (b *Bus) SubscriberCount(roundID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rounds[roundID])
}
