package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// dropLogInterval bounds how often dropped deliveries are logged.
const dropLogInterval = 10 * time.Second

type warnLogger interface {
	Warn(msg string, args ...any)
}

type nopWarnLogger struct{}

func (nopWarnLogger) Warn(string, ...any) {}

// Message is a delivered event-bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription receives messages whose subject matches its pattern.
type Subscription struct {
	pattern string
	ch      chan Message
	bus     *MemoryBus
	once    sync.Once
}

// C returns read-only message channel.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.pattern, s.ch)
		close(s.ch)
	})
	return nil
}

// MemoryBus is the in-process pub/sub transport connecting the cache, the
// pattern detector and the sync engine. Delivery is best effort: a full
// subscriber buffer drops the message and counts it.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	dropped     atomic.Int64

	logger  warnLogger
	dropLog rate.Sometimes
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithBusLogger reports dropped deliveries to log, at most once per
// dropLogInterval.
func WithBusLogger(log warnLogger) BusOption {
	return func(b *MemoryBus) {
		if log != nil {
			b.logger = log
		}
	}
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus(opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		subscribers: make(map[string][]chan Message),
		logger:      nopWarnLogger{},
		dropLog:     rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish publishes to all matching subscriptions.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}

	msg := Message{
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}

	// Sends happen under the read lock so Close cannot race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, channels := range b.subscribers {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, ch := range channels {
			select {
			case ch <- msg:
			default:
				total := b.dropped.Add(1)
				b.dropLog.Do(func() {
					b.logger.Warn("event dropped, subscriber buffer full",
						"subject", subject, "pattern", pattern, "dropped_total", total)
				})
			}
		}
	}
	return nil
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, channels := range b.subscribers {
		n += len(channels)
	}
	return n
}

// Subscribe subscribes by subject pattern.
func (b *MemoryBus) Subscribe(pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.subscribers[pattern] = append(b.subscribers[pattern], ch)
	b.mu.Unlock()

	return &Subscription{
		pattern: pattern,
		ch:      ch,
		bus:     b,
	}, nil
}

func (b *MemoryBus) unsubscribe(pattern string, target chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := b.subscribers[pattern]
	filtered := channels[:0]
	for _, ch := range channels {
		if ch == target {
			continue
		}
		filtered = append(filtered, ch)
	}
	if len(filtered) == 0 {
		delete(b.subscribers, pattern)
		return
	}
	b.subscribers[pattern] = filtered
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ".>")
		if prefix == "" {
			return true
		}
		return subject == prefix || strings.HasPrefix(subject, prefix+".")
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	if len(patternParts) != len(subjectParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != subjectParts[i] {
			return false
		}
	}
	return true
}
