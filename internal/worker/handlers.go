package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/queue"
	"github.com/loadstone-io/loadstone/internal/storage/metadata"
)

// ExtendFunc renews the lease on the message a handler is currently
// processing and returns the new deadline.
type ExtendFunc func(ctx context.Context) (time.Time, error)

// Handler processes one reserved message. The returned version record, when
// not nil, feeds the lifecycle notifier after the runner acknowledges the
// message. A non-nil error leaves the message unacknowledged so it is
// redelivered once the lease expires.
type Handler func(ctx context.Context, message *queue.Message, extend ExtendFunc) (*catalog.Version, error)

// VerifyFunc checks a version's loaded data before it is marked saved.
type VerifyFunc func(ctx context.Context, version *catalog.Version) error

// Built-in verification hooks selectable through async-task.handler-fn.
var verifiers = map[string]VerifyFunc{
	"always-pass": func(context.Context, *catalog.Version) error { return nil },
}

// VerifierFor resolves a configured verification hook by name. The empty
// name disables verification and resolves to nil.
func VerifierFor(name string) (VerifyFunc, error) {
	if name == "" {
		return nil, nil
	}

	verify, ok := verifiers[name]
	if !ok {
		return nil, fmt.Errorf("unknown verification hook %q", name)
	}

	return verify, nil
}

// handlerSet binds the per-action handlers to their backends.
type handlerSet struct {
	metadata metadata.Store
	queue    queue.Queue
	topic    string
	verify   VerifyFunc
	logger   *slog.Logger
}

// NewHandlers builds the action dispatch table for the worker loop. The
// verify hook may be nil, in which case verify-data messages pass their
// version straight through to save.
func NewHandlers(meta metadata.Store, q queue.Queue, topic string, verify VerifyFunc, logger *slog.Logger) map[string]Handler {
	if topic == "" {
		topic = catalog.DefaultOperationsTopic
	}

	if logger == nil {
		logger = slog.Default()
	}

	handlers := &handlerSet{
		metadata: meta,
		queue:    q,
		topic:    topic,
		verify:   verify,
		logger:   logger.With(slog.String("component", "worker")),
	}

	return map[string]Handler{
		catalog.ActionPrepare:    handlers.prepare,
		catalog.ActionSave:       handlers.save,
		catalog.ActionPublish:    handlers.publish,
		catalog.ActionDiscard:    handlers.discard,
		catalog.ActionFail:       handlers.fail,
		catalog.ActionVerifyData: handlers.verifyData,
	}
}

func (h *handlerSet) prepare(ctx context.Context, message *queue.Message, _ ExtendFunc) (*catalog.Version, error) {
	return h.advance(ctx, message.Body.VersionID, catalog.StatusAwaitingEntries, map[string]interface{}{
		catalog.AuditInitiatedBy: "prepare-handler",
	})
}

func (h *handlerSet) save(ctx context.Context, message *queue.Message, _ ExtendFunc) (*catalog.Version, error) {
	return h.advance(ctx, message.Body.VersionID, catalog.StatusSaved, map[string]interface{}{
		catalog.AuditInitiatedBy: "save-handler",
	})
}

// publish flips the active version of a dataset in three steps: demote every
// currently published sibling back to saved, promote the target, then point
// the dataset's active-version at it. Each step is individually idempotent,
// so a crash between any two of them is healed by redelivery.
func (h *handlerSet) publish(ctx context.Context, message *queue.Message, _ ExtendFunc) (*catalog.Version, error) {
	versionID := message.Body.VersionID

	version, ok, err := h.metadata.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, catalog.NewNotFound("version-not-found", fmt.Sprintf("version %s does not exist", versionID))
	}

	audit := map[string]interface{}{catalog.AuditInitiatedBy: "publish-handler"}

	siblings, err := h.metadata.ListVersions(ctx, version.Dataset)
	if err != nil {
		return nil, err
	}

	// The target itself can show up published here when the previous
	// delivery crashed between promoting and activating; demoting and
	// re-promoting it is harmless.
	for _, sibling := range siblings {
		if sibling.Status != catalog.StatusPublished {
			continue
		}

		if _, err := h.advance(ctx, sibling.ID, catalog.StatusSaved, audit); err != nil {
			return nil, fmt.Errorf("demoting version %s: %w", sibling.ID, err)
		}
	}

	published, err := h.advance(ctx, versionID, catalog.StatusPublished, audit)
	if err != nil {
		return nil, err
	}

	if err := h.metadata.ActivateVersion(ctx, versionID, audit); err != nil {
		return nil, err
	}

	return published, nil
}

func (h *handlerSet) discard(ctx context.Context, message *queue.Message, _ ExtendFunc) (*catalog.Version, error) {
	return h.advance(ctx, message.Body.VersionID, catalog.StatusDiscarded, h.auditWithReason("discard-handler", message.Body.Reason))
}

func (h *handlerSet) fail(ctx context.Context, message *queue.Message, _ ExtendFunc) (*catalog.Version, error) {
	return h.advance(ctx, message.Body.VersionID, catalog.StatusFailed, h.auditWithReason("fail-handler", message.Body.Reason))
}

// verifyData runs the configured verification hook and enqueues the outcome
// as a follow-up save or fail message. The follow-up id derives from the
// message id, so a redelivered verification re-enqueues the same id and the
// queue swallows the duplicate.
func (h *handlerSet) verifyData(ctx context.Context, message *queue.Message, extend ExtendFunc) (*catalog.Version, error) {
	versionID := message.Body.VersionID

	version, ok, err := h.metadata.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, catalog.NewNotFound("version-not-found", fmt.Sprintf("version %s does not exist", versionID))
	}

	hookErr, err := h.runVerification(ctx, version, extend)
	if err != nil {
		// Could not keep the lease; another worker will pick this up.
		return nil, err
	}

	followUp := queue.Body{Action: catalog.ActionSave, VersionID: versionID}

	if hookErr != nil {
		h.logger.Warn("Verification failed",
			slog.String("version_id", versionID),
			slog.String("error", hookErr.Error()))

		followUp = queue.Body{Action: catalog.ActionFail, VersionID: versionID, Reason: hookErr.Error()}
	}

	if err := h.queue.EnqueueWithID(ctx, h.topic, message.ID+"-"+followUp.Action, followUp); err != nil {
		return nil, err
	}

	return version, nil
}

// runVerification executes the hook while keeping the message lease alive.
// The next renewal is always scheduled halfway to the current deadline, so
// the cadence adapts to whatever lease time the queue is configured with.
// hookErr carries the hook's own verdict; err reports a lost lease.
func (h *handlerSet) runVerification(ctx context.Context, version *catalog.Version, extend ExtendFunc) (hookErr, err error) {
	verify := h.verify
	if verify == nil {
		return nil, nil
	}

	deadline, err := extend(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- verify(ctx, version)
	}()

	for {
		wait := time.Until(deadline) / 2
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}

		select {
		case hookErr = <-done:
			return hookErr, nil
		case <-time.After(wait):
			if deadline, err = extend(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// advance moves a version to target, treating a lifecycle rejection as a
// stale message: with at-least-once delivery, a redelivered message can
// arrive after the version has already moved past target, and wedging the
// topic on it would starve the reserve window. Conflicts are returned as-is
// so redelivery retries the compare-and-set.
func (h *handlerSet) advance(ctx context.Context, versionID string, target catalog.Status, audit map[string]interface{}) (*catalog.Version, error) {
	version, err := h.metadata.UpdateStatus(ctx, versionID, target, audit)
	if err == nil {
		return version, nil
	}

	var catErr *catalog.Error
	if !errors.As(err, &catErr) || catErr.Kind != catalog.KindValidation {
		return nil, err
	}

	current, ok, getErr := h.metadata.GetVersion(ctx, versionID)
	if getErr != nil || !ok {
		return nil, err
	}

	h.logger.Warn("Stale message ignored, version already moved on",
		slog.String("version_id", versionID),
		slog.String("target", string(target)),
		slog.String("status", string(current.Status)))

	return current, nil
}

func (h *handlerSet) auditWithReason(initiatedBy, reason string) map[string]interface{} {
	audit := map[string]interface{}{catalog.AuditInitiatedBy: initiatedBy}
	if reason != "" {
		audit["reason"] = reason
	}

	return audit
}
