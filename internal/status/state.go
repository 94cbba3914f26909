// Package status defines the delivery lifecycle of a queued outgoing
// message and enforces its transition table.
package status

import (
	"fmt"
	"slices"
)

// Status represents the delivery state of a queued message.
type Status string

const (
	// Pending is the initial state: durably queued, not yet attempted, or
	// rescheduled after a transient failure.
	Pending Status = "pending"
	// Syncing means a remote write attempt is in flight.
	Syncing Status = "syncing"
	// Synced is terminal: the backend acknowledged the write.
	Synced Status = "synced"
	// Failed is terminal until a user-initiated retry: the retry budget is
	// exhausted or the backend rejected the payload outright.
	Failed Status = "failed"
)

// DefaultMaxRetries is the transient-failure budget per message.
const DefaultMaxRetries = 5

// validTransitions defines allowed status transitions. Failed -> Pending is
// the user-initiated manual retry; a message never reaches Failed without an
// actual attempt (no direct Pending -> Failed).
var validTransitions = map[Status][]Status{
	Pending: {Syncing},
	Syncing: {Synced, Pending, Failed},
	Failed:  {Pending},
}

// Transition validates moving a record from one status to another. An error
// here is a programming bug in the caller, not a runtime condition.
func Transition(from, to Status) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Parse converts a stored string into a Status.
func Parse(s string) (Status, error) {
	switch st := Status(s); st {
	case Pending, Syncing, Synced, Failed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether the processor will leave a record alone:
// Synced records are about to be dropped, Failed ones wait for the user.
func (s Status) Terminal() bool {
	return s == Synced || s == Failed
}
