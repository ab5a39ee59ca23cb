// Package worker implements the background side of the version lifecycle:
// worker loops that reserve operations from the durable queue, dispatch them
// to per-action handlers, and acknowledge on success. Delivery is
// at-least-once, so every handler converges under redelivery instead of
// assuming it runs exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/queue"
)

// Runner is a single worker loop. Run multiple runners over the same queue
// to scale out; the lease protocol keeps them from stepping on each other.
type Runner struct {
	queue        queue.Queue
	handlers     map[string]Handler
	notifier     Notifier
	topic        string
	pid          string
	pollInterval time.Duration
	logger       *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRunner creates a worker loop over the queue. The notifier may be nil
// when no event stream is configured.
func NewRunner(q queue.Queue, handlers map[string]Handler, cfg *Config, notifier Notifier, logger *slog.Logger) *Runner {
	if cfg == nil {
		cfg = &Config{}
	}

	topic := cfg.OperationsTopic
	if topic == "" {
		topic = catalog.DefaultOperationsTopic
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	pid := newPID()

	return &Runner{
		queue:        q,
		handlers:     handlers,
		notifier:     notifier,
		topic:        topic,
		pid:          pid,
		pollInterval: pollInterval,
		logger: logger.With(
			slog.String("component", "worker"),
			slog.String("pid", pid)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// PID returns the worker's queue owner identity.
func (r *Runner) PID() string {
	return r.pid
}

// Run polls the operations topic until Stop is called. It blocks; start it
// in its own goroutine. A message in flight when Stop arrives is finished
// before Run returns.
func (r *Runner) Run() {
	defer close(r.done)

	ctx := context.Background()

	r.logger.Info("Worker started",
		slog.String("topic", r.topic),
		slog.String("poll_interval", r.pollInterval.String()))

	for {
		select {
		case <-r.stop:
			r.logger.Info("Worker stopped")
			return
		default:
		}

		message, err := r.queue.Reserve(ctx, r.topic, r.pid)
		if err != nil {
			if !errors.Is(err, queue.ErrNoMessage) {
				r.logger.Error("Reserving message failed", slog.String("error", err.Error()))
			}

			if !r.sleep() {
				r.logger.Info("Worker stopped")
				return
			}

			continue
		}

		r.process(ctx, message)
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// process dispatches one reserved message. Handler failures are logged and
// the message left unacknowledged, so the lease expiry redelivers it.
func (r *Runner) process(ctx context.Context, message *queue.Message) {
	logger := r.logger.With(
		slog.String("message_id", message.ID),
		slog.String("action", message.Body.Action),
		slog.String("version_id", message.Body.VersionID))

	handler, ok := r.handlers[message.Body.Action]
	if !ok {
		// Nothing will ever handle this message; redelivering it forever
		// would clog the reserve window, so drop it.
		logger.Error("No handler for action, dropping message")

		if err := r.queue.Ack(ctx, message.ID, r.pid); err != nil {
			logger.Error("Acknowledging message failed", slog.String("error", err.Error()))
		}

		return
	}

	extend := func(ctx context.Context) (time.Time, error) {
		return r.queue.ExtendLease(ctx, message.ID, r.pid)
	}

	version, err := handler(ctx, message, extend)
	if err != nil {
		logger.Error("Handler failed, message will be redelivered",
			slog.String("error", err.Error()))
		return
	}

	if err := r.queue.Ack(ctx, message.ID, r.pid); err != nil {
		logger.Error("Acknowledging message failed", slog.String("error", err.Error()))
		return
	}

	logger.Debug("Message processed")

	if r.notifier != nil && version != nil {
		event := LifecycleEvent{
			Action:    message.Body.Action,
			Dataset:   version.Dataset,
			VersionID: version.ID,
			Status:    string(version.Status),
			Timestamp: time.Now().UTC(),
		}

		if err := r.notifier.Notify(ctx, event); err != nil {
			logger.Warn("Publishing lifecycle event failed", slog.String("error", err.Error()))
		}
	}
}

// sleep waits one poll interval, returning false when stopped meanwhile.
func (r *Runner) sleep() bool {
	select {
	case <-r.stop:
		return false
	case <-time.After(r.pollInterval):
		return true
	}
}

// newPID builds a queue owner identity unique per worker loop, readable
// enough to trace a lease back to its process in the logs.
func newPID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
