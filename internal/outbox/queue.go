// Package outbox delivers outbound messages, buffering them while the
// transport is down and flushing in order once it recovers.
package outbox

import (
	"sync"

	"github.com/rfagundes/sigd/internal/signal"
	"go.uber.org/zap"
)

// DefaultCapacity bounds the buffered backlog. When full the oldest entry
// is dropped, keeping the newest messages deliverable.
const DefaultCapacity = 1000

// Entry is one outbound message waiting for delivery.
type Entry struct {
	// ClientID is assigned at enqueue time so retries of the same message
	// stay identifiable in logs.
	ClientID    string
	Chat        signal.ChatIdentity
	Text        string
	Attachments []string
}

// Queue is a bounded FIFO of pending outbound messages.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	logger   *zap.Logger
}

// NewQueue creates a queue with the given capacity; zero or negative means
// DefaultCapacity.
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, logger: logger}
}

// Enqueue appends an entry, evicting the oldest when at capacity. It
// reports whether an eviction happened.
func (q *Queue) Enqueue(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := false
	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		evicted = true
		q.logger.Warn("outbox full, dropping oldest message",
			zap.String("client_id", dropped.ClientID),
			zap.String("chat", dropped.Chat.String()))
	}
	q.entries = append(q.entries, e)
	return evicted
}

// Dequeue removes and returns the oldest entry.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// Len returns the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
