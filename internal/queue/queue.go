// Package queue provides the durable work queue driving background version
// transitions. Messages are at-least-once: a reservation takes a lease, and a
// worker that dies simply lets the lease expire so another worker picks the
// message up again. Consumers must therefore be idempotent.
//
// Selection is FIFO-ish. A reserve considers the oldest reservable messages
// of a topic up to a small window and claims one of them with a compare-and-set
// on the message's version counter, retrying the selection from scratch on a
// collision. Under contention a later message may win over an earlier one;
// strict FIFO is not guaranteed and not needed.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultLeaseTime is how long a reservation is held before other workers may
// steal the message. Tests dial this down to around a second.
const DefaultLeaseTime = 60 * time.Second

// ReserveWindow is how many of the oldest reservable messages a reserve
// chooses between.
const ReserveWindow = 10

// Queue operation failures. Checked with errors.Is.
var (
	// ErrNoMessage means no reservable message exists right now.
	ErrNoMessage = errors.New("no message available")

	// ErrWrongOwner means the pid does not hold the message's lease.
	ErrWrongOwner = errors.New("message leased by another pid")

	// ErrLeaseExpired means the pid's lease ran out; the message may already
	// be handled by another worker.
	ErrLeaseExpired = errors.New("message lease expired")

	// ErrAlreadyAcknowledged means the message is terminal and cannot have
	// its lease extended.
	ErrAlreadyAcknowledged = errors.New("message already acknowledged")

	// ErrTopicRequired means a list filter named no topic.
	ErrTopicRequired = errors.New("filter topic is required")

	// ErrIDRequired means an idempotent enqueue named no message id.
	ErrIDRequired = errors.New("message id is required")
)

// Body is the message payload: which action to perform on which version.
// Reason is only set for discard and fail actions.
type Body struct {
	Action    string `json:"action"`
	VersionID string `json:"version-id"`
	Reason    string `json:"reason,omitempty"`
}

// Message is one queued action. PID and LeaseDeadline are zero until the
// first reservation; Acked is terminal. Ver is the compare-and-set counter.
type Message struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Timestamp     time.Time `json:"timestamp"`
	Body          Body      `json:"body"`
	PID           string    `json:"pid,omitempty"`
	LeaseDeadline time.Time `json:"lease-deadline,omitempty"`
	Acked         bool      `json:"ack"`
	Ver           int64     `json:"__ver"`
}

// Clone returns a copy of the message. Body is a value, so a struct copy is
// already deep.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m

	return &clone
}

// Status buckets a message for list filtering. The three unacknowledged
// states are mutually exclusive.
type Status string

// Message statuses.
const (
	StatusAll          Status = "all"
	StatusNew          Status = "new"
	StatusReserved     Status = "reserved"
	StatusExpired      Status = "expired"
	StatusAcknowledged Status = "acknowledged"
)

// Valid reports whether s is a recognized filter status.
func (s Status) Valid() bool {
	switch s {
	case StatusAll, StatusNew, StatusReserved, StatusExpired, StatusAcknowledged:
		return true
	}

	return false
}

// statusOf buckets a message at instant now.
func statusOf(m *Message, now time.Time) Status {
	switch {
	case m.Acked:
		return StatusAcknowledged
	case m.PID == "":
		return StatusNew
	case m.LeaseDeadline.After(now):
		return StatusReserved
	default:
		return StatusExpired
	}
}

// reservable reports whether a message can be claimed at instant now.
func reservable(m *Message, now time.Time) bool {
	return !m.Acked && (m.PID == "" || !m.LeaseDeadline.After(now))
}

// Filter selects messages for List. Topic is required; Status defaults to
// StatusAll when empty; PID narrows to messages currently owned by that pid.
type Filter struct {
	Topic  string
	Status Status
	PID    string
}

func (f Filter) match(m *Message, now time.Time) bool {
	if m.Topic != f.Topic {
		return false
	}

	if f.PID != "" && m.PID != f.PID {
		return false
	}

	status := f.Status
	if status == "" {
		status = StatusAll
	}

	return status == StatusAll || statusOf(m, now) == status
}

// Queue is the durable queue contract.
type Queue interface {
	// Enqueue appends a new message to topic and returns it.
	Enqueue(ctx context.Context, topic string, body Body) (*Message, error)

	// EnqueueWithID appends a message under a caller-supplied id. A second
	// call with the same id is a no-op, which lets producers that may run
	// twice (a redelivered handler enqueueing a follow-up) stay idempotent.
	EnqueueWithID(ctx context.Context, topic, id string, body Body) error

	// Reserve claims one of the oldest reservable messages of topic for pid,
	// holding the lease for the configured lease time. Fails with
	// ErrNoMessage when nothing is reservable.
	Reserve(ctx context.Context, topic, pid string) (*Message, error)

	// Ack terminates a message. Acking an already acknowledged message is ok;
	// acking someone else's message fails with ErrWrongOwner; acking after
	// the lease ran out fails with ErrLeaseExpired.
	Ack(ctx context.Context, messageID, pid string) error

	// ExtendLease pushes the lease deadline to max(current, now+lease). Same
	// failure set as Ack except an acknowledged message fails with
	// ErrAlreadyAcknowledged.
	ExtendLease(ctx context.Context, messageID, pid string) (time.Time, error)

	// List returns the messages matching filter in timestamp order.
	List(ctx context.Context, filter Filter) ([]*Message, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases queue resources.
	Close() error
}
