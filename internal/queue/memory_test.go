package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testTopic = "load-operations"

// fixedClock returns a swappable clock starting at a known instant.
func fixedClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	current := start

	now := func() time.Time {
		return current
	}

	advance := func(d time.Duration) {
		current = current.Add(d)
	}

	return now, advance
}

func TestInMemoryQueueEnqueue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewInMemoryQueue(time.Minute)

	message, err := q.Enqueue(ctx, testTopic, Body{Action: "prepare", VersionID: "v1"})
	if err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}

	if message.ID == "" {
		t.Error("Enqueue() message has no id")
	}

	if message.Topic != testTopic {
		t.Errorf("Enqueue() Topic = %q, want %q", message.Topic, testTopic)
	}

	if message.Timestamp.IsZero() {
		t.Error("Enqueue() Timestamp is zero")
	}

	if message.PID != "" || message.Acked {
		t.Errorf("Enqueue() message already owned or acked: pid=%q acked=%v", message.PID, message.Acked)
	}

	if message.Ver != 1 {
		t.Errorf("Enqueue() Ver = %d, want 1", message.Ver)
	}

	if message.Body.Action != "prepare" || message.Body.VersionID != "v1" {
		t.Errorf("Enqueue() Body = %+v, want prepare/v1", message.Body)
	}
}

func TestInMemoryQueueEnqueueWithID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewInMemoryQueue(time.Minute)

	if err := q.EnqueueWithID(ctx, testTopic, "", Body{Action: "save", VersionID: "v1"}); !errors.Is(err, ErrIDRequired) {
		t.Errorf("EnqueueWithID() without id error = %v, want ErrIDRequired", err)
	}

	if err := q.EnqueueWithID(ctx, testTopic, "msg-1", Body{Action: "save", VersionID: "v1"}); err != nil {
		t.Fatalf("EnqueueWithID() unexpected error: %v", err)
	}

	// Replaying the same id changes nothing, even with a different body.
	if err := q.EnqueueWithID(ctx, testTopic, "msg-1", Body{Action: "fail", VersionID: "v2"}); err != nil {
		t.Fatalf("repeat EnqueueWithID() unexpected error: %v", err)
	}

	messages, err := q.List(ctx, Filter{Topic: testTopic})
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}

	if len(messages) != 1 {
		t.Fatalf("List() returned %d messages, want 1", len(messages))
	}

	if messages[0].ID != "msg-1" || messages[0].Body.Action != "save" {
		t.Errorf("List()[0] = %q/%q, want msg-1/save", messages[0].ID, messages[0].Body.Action)
	}
}

func TestInMemoryQueueReserve(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("empty topic has no message", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)

		if _, err := q.Reserve(ctx, testTopic, "w1"); !errors.Is(err, ErrNoMessage) {
			t.Errorf("Reserve() error = %v, want ErrNoMessage", err)
		}
	})

	t.Run("claims the message and takes a lease", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)
		now, _ := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		q.now = now

		enqueued, err := q.Enqueue(ctx, testTopic, Body{Action: "prepare", VersionID: "v1"})
		if err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		if message.ID != enqueued.ID {
			t.Errorf("Reserve() id = %q, want %q", message.ID, enqueued.ID)
		}

		if message.PID != "w1" {
			t.Errorf("Reserve() PID = %q, want w1", message.PID)
		}

		wantDeadline := now().Add(time.Minute)
		if !message.LeaseDeadline.Equal(wantDeadline) {
			t.Errorf("Reserve() LeaseDeadline = %v, want %v", message.LeaseDeadline, wantDeadline)
		}

		if message.Ver != 2 {
			t.Errorf("Reserve() Ver = %d, want 2", message.Ver)
		}

		// The lease is live, nothing else to reserve.
		if _, err := q.Reserve(ctx, testTopic, "w2"); !errors.Is(err, ErrNoMessage) {
			t.Errorf("second Reserve() error = %v, want ErrNoMessage", err)
		}
	})

	t.Run("expired lease makes the message reservable again", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)
		now, advance := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		q.now = now

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "save", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		if _, err := q.Reserve(ctx, testTopic, "w1"); err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		advance(time.Minute + time.Second)

		message, err := q.Reserve(ctx, testTopic, "w2")
		if err != nil {
			t.Fatalf("Reserve() after expiry unexpected error: %v", err)
		}

		if message.PID != "w2" {
			t.Errorf("Reserve() after expiry PID = %q, want w2", message.PID)
		}
	})

	t.Run("only considers the oldest candidates", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)

		var ids []string

		for i := 0; i < ReserveWindow+2; i++ {
			message, err := q.Enqueue(ctx, testTopic, Body{Action: "save", VersionID: fmt.Sprintf("v%d", i)})
			if err != nil {
				t.Fatalf("Enqueue() unexpected error: %v", err)
			}

			ids = append(ids, message.ID)
		}

		window := make(map[string]bool, ReserveWindow)
		for _, id := range ids[:ReserveWindow] {
			window[id] = true
		}

		first, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		if !window[first.ID] {
			t.Errorf("first Reserve() claimed %q, not one of the %d oldest", first.ID, ReserveWindow)
		}

		// Draining the queue reserves each message exactly once.
		claimed := map[string]bool{first.ID: true}

		for i := 1; i < len(ids); i++ {
			message, err := q.Reserve(ctx, testTopic, fmt.Sprintf("w%d", i))
			if err != nil {
				t.Fatalf("Reserve() %d unexpected error: %v", i, err)
			}

			if claimed[message.ID] {
				t.Errorf("Reserve() claimed %q twice", message.ID)
			}

			claimed[message.ID] = true
		}

		if len(claimed) != len(ids) {
			t.Errorf("drained %d distinct messages, want %d", len(claimed), len(ids))
		}

		if _, err := q.Reserve(ctx, testTopic, "w1"); !errors.Is(err, ErrNoMessage) {
			t.Errorf("Reserve() on drained queue error = %v, want ErrNoMessage", err)
		}
	})
}

func TestInMemoryQueueAck(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("unknown message", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)

		if err := q.Ack(ctx, "missing", "w1"); !errors.Is(err, ErrNoMessage) {
			t.Errorf("Ack() error = %v, want ErrNoMessage", err)
		}
	})

	t.Run("ack is idempotent and terminal", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "publish", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		if err := q.Ack(ctx, message.ID, "w1"); err != nil {
			t.Fatalf("Ack() unexpected error: %v", err)
		}

		// Repeat ack from anyone is ok.
		if err := q.Ack(ctx, message.ID, "w2"); err != nil {
			t.Errorf("repeat Ack() error = %v, want nil", err)
		}

		if _, err := q.Reserve(ctx, testTopic, "w2"); !errors.Is(err, ErrNoMessage) {
			t.Errorf("Reserve() after ack error = %v, want ErrNoMessage", err)
		}
	})

	t.Run("wrong owner", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "publish", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		if err := q.Ack(ctx, message.ID, "w2"); !errors.Is(err, ErrWrongOwner) {
			t.Errorf("Ack() error = %v, want ErrWrongOwner", err)
		}
	})

	t.Run("expired lease", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)
		now, advance := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		q.now = now

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "publish", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		advance(2 * time.Minute)

		if err := q.Ack(ctx, message.ID, "w1"); !errors.Is(err, ErrLeaseExpired) {
			t.Errorf("Ack() after expiry error = %v, want ErrLeaseExpired", err)
		}
	})
}

func TestInMemoryQueueExtendLease(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("pushes the deadline forward", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)
		now, advance := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		q.now = now

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "save", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		advance(30 * time.Second)

		deadline, err := q.ExtendLease(ctx, message.ID, "w1")
		if err != nil {
			t.Fatalf("ExtendLease() unexpected error: %v", err)
		}

		want := now().Add(time.Minute)
		if !deadline.Equal(want) {
			t.Errorf("ExtendLease() deadline = %v, want %v", deadline, want)
		}

		if !deadline.After(message.LeaseDeadline) {
			t.Errorf("ExtendLease() deadline %v not after original %v", deadline, message.LeaseDeadline)
		}
	})

	t.Run("never shortens the lease", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)
		now, advance := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		q.now = now

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "save", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		// Clock skew: the caller's clock stepped backwards.
		advance(-10 * time.Second)

		deadline, err := q.ExtendLease(ctx, message.ID, "w1")
		if err != nil {
			t.Fatalf("ExtendLease() unexpected error: %v", err)
		}

		if !deadline.Equal(message.LeaseDeadline) {
			t.Errorf("ExtendLease() deadline = %v, want the original %v kept", deadline, message.LeaseDeadline)
		}
	})

	t.Run("failure modes", func(t *testing.T) {
		q := NewInMemoryQueue(time.Minute)
		now, advance := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		q.now = now

		if _, err := q.ExtendLease(ctx, "missing", "w1"); !errors.Is(err, ErrNoMessage) {
			t.Errorf("ExtendLease(missing) error = %v, want ErrNoMessage", err)
		}

		if _, err := q.Enqueue(ctx, testTopic, Body{Action: "save", VersionID: "v1"}); err != nil {
			t.Fatalf("Enqueue() unexpected error: %v", err)
		}

		message, err := q.Reserve(ctx, testTopic, "w1")
		if err != nil {
			t.Fatalf("Reserve() unexpected error: %v", err)
		}

		if _, err := q.ExtendLease(ctx, message.ID, "w2"); !errors.Is(err, ErrWrongOwner) {
			t.Errorf("ExtendLease() wrong pid error = %v, want ErrWrongOwner", err)
		}

		advance(2 * time.Minute)

		if _, err := q.ExtendLease(ctx, message.ID, "w1"); !errors.Is(err, ErrLeaseExpired) {
			t.Errorf("ExtendLease() after expiry error = %v, want ErrLeaseExpired", err)
		}

		advance(-2 * time.Minute)

		if err := q.Ack(ctx, message.ID, "w1"); err != nil {
			t.Fatalf("Ack() unexpected error: %v", err)
		}

		if _, err := q.ExtendLease(ctx, message.ID, "w1"); !errors.Is(err, ErrAlreadyAcknowledged) {
			t.Errorf("ExtendLease() after ack error = %v, want ErrAlreadyAcknowledged", err)
		}
	})
}

func TestInMemoryQueueList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewInMemoryQueue(time.Minute)
	now, _ := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q.now = now

	if _, err := q.List(ctx, Filter{}); !errors.Is(err, ErrTopicRequired) {
		t.Errorf("List() without topic error = %v, want ErrTopicRequired", err)
	}

	// One message per status, built directly to keep the fixture deterministic.
	newMsg, _ := q.Enqueue(ctx, testTopic, Body{Action: "prepare", VersionID: "v1"})
	reservedMsg, _ := q.Enqueue(ctx, testTopic, Body{Action: "save", VersionID: "v2"})
	expiredMsg, _ := q.Enqueue(ctx, testTopic, Body{Action: "publish", VersionID: "v3"})
	ackedMsg, _ := q.Enqueue(ctx, testTopic, Body{Action: "discard", VersionID: "v4"})
	otherTopicMsg, _ := q.Enqueue(ctx, "other-topic", Body{Action: "prepare", VersionID: "v5"})

	q.messages[reservedMsg.ID].PID = "w1"
	q.messages[reservedMsg.ID].LeaseDeadline = now().Add(time.Minute)
	q.messages[expiredMsg.ID].PID = "w1"
	q.messages[expiredMsg.ID].LeaseDeadline = now().Add(-time.Second)
	q.messages[ackedMsg.ID].PID = "w2"
	q.messages[ackedMsg.ID].Acked = true

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all of the topic", Filter{Topic: testTopic}, []string{newMsg.ID, reservedMsg.ID, expiredMsg.ID, ackedMsg.ID}},
		{"new", Filter{Topic: testTopic, Status: StatusNew}, []string{newMsg.ID}},
		{"reserved", Filter{Topic: testTopic, Status: StatusReserved}, []string{reservedMsg.ID}},
		{"expired", Filter{Topic: testTopic, Status: StatusExpired}, []string{expiredMsg.ID}},
		{"acknowledged", Filter{Topic: testTopic, Status: StatusAcknowledged}, []string{ackedMsg.ID}},
		{"by pid", Filter{Topic: testTopic, PID: "w1"}, []string{reservedMsg.ID, expiredMsg.ID}},
		{"other topic", Filter{Topic: "other-topic"}, []string{otherTopicMsg.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages, err := q.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() unexpected error: %v", err)
			}

			if len(messages) != len(tt.want) {
				t.Fatalf("List() returned %d messages, want %d", len(messages), len(tt.want))
			}

			for i, message := range messages {
				if message.ID != tt.want[i] {
					t.Errorf("List()[%d] = %q, want %q", i, message.ID, tt.want[i])
				}
			}
		})
	}
}
