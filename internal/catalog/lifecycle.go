package catalog

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition indicates a status transition outside the lifecycle
// graph. Use with errors.Is().
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the version lifecycle graph. A version starts in preparing
// when created and only ever moves along these edges:
//
//	preparing        → awaiting-entries | discarded | failed
//	awaiting-entries → saving           | discarded | failed
//	saving           → saved            | discarded | failed
//	saved            → publishing       | published | discarded | failed
//	publishing       → published        | discarded | failed
//	published        → saved
//	discarded        → (terminal)
//	failed           → (terminal)
//
// The published → saved edge implements the hand-off when another version is
// promoted: at most one version of a dataset is published at a time, so the
// incumbent is demoted before (or while) the successor flips. The direct
// saved → published edge exists so a redelivered publish message converges
// after a crash demoted the target mid-flight.
var transitions = map[Status][]Status{
	StatusPreparing:       {StatusAwaitingEntries, StatusDiscarded, StatusFailed},
	StatusAwaitingEntries: {StatusSaving, StatusDiscarded, StatusFailed},
	StatusSaving:          {StatusSaved, StatusDiscarded, StatusFailed},
	StatusSaved:           {StatusPublishing, StatusPublished, StatusDiscarded, StatusFailed},
	StatusPublishing:      {StatusPublished, StatusDiscarded, StatusFailed},
	StatusPublished:       {StatusSaved},
	StatusDiscarded:       {},
	StatusFailed:          {},
}

// InitialStatus is the state every version is created in.
const InitialStatus = StatusPreparing

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ValidateTransition checks that from → to is an edge of the lifecycle graph.
// Self-transitions are not edges; callers that need idempotent re-application
// (the publish handler) must treat same-status as a no-op before validating.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}

	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}

	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// TransitionTargets returns the statuses reachable in one step from from.
// The result is a copy; mutating it does not affect the graph.
func TransitionTargets(from Status) []Status {
	return append([]Status(nil), transitions[from]...)
}
