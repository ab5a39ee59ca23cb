package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryQueue keeps messages in a map guarded by a mutex. Reservation is
// atomic under the lock, so the compare-and-set discipline of the durable
// backends degenerates to a plain update here.
type InMemoryQueue struct {
	messages  map[string]*Message
	order     []string
	leaseTime time.Duration
	mutex     sync.RWMutex

	// now is swappable so expiry tests do not have to sleep.
	now func() time.Time
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty queue. leaseTime zero or negative selects
// DefaultLeaseTime.
func NewInMemoryQueue(leaseTime time.Duration) *InMemoryQueue {
	if leaseTime <= 0 {
		leaseTime = DefaultLeaseTime
	}

	return &InMemoryQueue{
		messages:  make(map[string]*Message),
		leaseTime: leaseTime,
		now:       time.Now,
	}
}

// Enqueue appends a new message to topic.
func (q *InMemoryQueue) Enqueue(_ context.Context, topic string, body Body) (*Message, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	message := &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: q.now().UTC(),
		Body:      body,
		Ver:       1,
	}

	q.messages[message.ID] = message
	q.order = append(q.order, message.ID)

	return message.Clone(), nil
}

// EnqueueWithID appends a message under a caller-supplied id, ignoring the
// call when the id already exists.
func (q *InMemoryQueue) EnqueueWithID(_ context.Context, topic, id string, body Body) error {
	if id == "" {
		return ErrIDRequired
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if _, exists := q.messages[id]; exists {
		return nil
	}

	message := &Message{
		ID:        id,
		Topic:     topic,
		Timestamp: q.now().UTC(),
		Body:      body,
		Ver:       1,
	}

	q.messages[id] = message
	q.order = append(q.order, id)

	return nil
}

// Reserve claims one of the oldest reservable messages of topic for pid.
func (q *InMemoryQueue) Reserve(_ context.Context, topic, pid string) (*Message, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	now := q.now()

	var candidates []*Message

	for _, id := range q.order {
		message := q.messages[id]
		if message.Topic != topic || !reservable(message, now) {
			continue
		}

		candidates = append(candidates, message)
		if len(candidates) == ReserveWindow {
			break
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoMessage
	}

	// Random pick within the window spreads concurrent workers over
	// different messages.
	message := candidates[rand.Intn(len(candidates))]
	message.PID = pid
	message.LeaseDeadline = now.Add(q.leaseTime).UTC()
	message.Ver++

	return message.Clone(), nil
}

// Ack terminates a message.
func (q *InMemoryQueue) Ack(_ context.Context, messageID, pid string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	message, exists := q.messages[messageID]
	if !exists {
		return ErrNoMessage
	}

	if message.Acked {
		return nil
	}

	if message.PID != pid {
		return ErrWrongOwner
	}

	if q.now().After(message.LeaseDeadline) {
		return ErrLeaseExpired
	}

	message.Acked = true
	message.Ver++

	return nil
}

// ExtendLease pushes the lease deadline out for a held message.
func (q *InMemoryQueue) ExtendLease(_ context.Context, messageID, pid string) (time.Time, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	message, exists := q.messages[messageID]
	if !exists {
		return time.Time{}, ErrNoMessage
	}

	if message.Acked {
		return time.Time{}, ErrAlreadyAcknowledged
	}

	if message.PID != pid {
		return time.Time{}, ErrWrongOwner
	}

	now := q.now()
	if now.After(message.LeaseDeadline) {
		return time.Time{}, ErrLeaseExpired
	}

	deadline := now.Add(q.leaseTime).UTC()
	if message.LeaseDeadline.After(deadline) {
		deadline = message.LeaseDeadline
	}

	message.LeaseDeadline = deadline
	message.Ver++

	return deadline, nil
}

// List returns the messages matching filter in timestamp order.
func (q *InMemoryQueue) List(_ context.Context, filter Filter) ([]*Message, error) {
	if filter.Topic == "" {
		return nil, ErrTopicRequired
	}

	q.mutex.RLock()
	defer q.mutex.RUnlock()

	now := q.now()

	var result []*Message

	for _, id := range q.order {
		message := q.messages[id]
		if filter.match(message, now) {
			result = append(result, message.Clone())
		}
	}

	return result, nil
}

// HealthCheck always succeeds for the in-memory queue.
func (q *InMemoryQueue) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory queue.
func (q *InMemoryQueue) Close() error {
	return nil
}
