package event

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler is a function that handles events
type Handler func(event Event)

// DefaultQueueSize is the number of undelivered events a subscription buffers
// before new ones are dropped.
const DefaultQueueSize = 256

type subscription struct {
	id       string
	patterns []string
	handler  Handler
	queue    chan Event
	done     chan struct{}
}

// Bus routes events to subscribers. Every subscription has its own goroutine,
// so one subscriber sees events in publish order and a slow subscriber only
// delays itself.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	queueSize     int
	logger        *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscriptions: make(map[string]*subscription),
		queueSize:     DefaultQueueSize,
		logger:        logger.Named("events"),
	}
}

// Subscribe registers a handler for events matching the given patterns
func (b *Bus) Subscribe(patterns []string, handler Handler) string {
	sub := &subscription{
		id:       uuid.New().String(),
		patterns: patterns,
		handler:  handler,
		queue:    make(chan Event, b.queueSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.logger.Debug("new subscription", zap.String("id", sub.id), zap.Strings("patterns", patterns))
	return sub.id
}

func (s *subscription) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.handler(ev)
	}
}

// Unsubscribe removes a subscription and returns once the events already
// queued for it have been delivered. It must not be called from a handler.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscriptions[id]
	delete(b.subscriptions, id)
	b.mu.Unlock()

	if ok {
		close(sub.queue)
		<-sub.done
		b.logger.Debug("removed subscription", zap.String("id", id))
	}
}

// Publish sends an event to all matching subscribers. It never blocks: a
// subscriber whose queue is full misses the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscriptions {
		if !matches(ev.Type, sub.patterns) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("id", sub.id), zap.String("type", ev.Type))
		}
	}
}

// Close removes every subscription and waits for queued events to be
// handled.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// matches checks if an event type matches any of the patterns
func matches(eventType string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

// matchPattern checks if an event type matches a pattern
// Supports wildcards: "chat.*" matches "chat.created", "chat.message.chunk"
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(eventType, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			return true
		}
		if i >= len(eventParts) || pp != eventParts[i] {
			return false
		}
	}

	return len(patternParts) == len(eventParts)
}
