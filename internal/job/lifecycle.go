// Package job defines the job lifecycle: legal states, legal transitions and
// the payload each transition requires. Both local mutation application and
// conflict resolution consult it.
package job

import (
	"slices"

	"github.com/matheus3301/fieldsync/internal/fault"
)

// Status is a job lifecycle state.
type Status string

const (
	Pending    Status = "PENDING"
	Accepted   Status = "ACCEPTED"
	InProgress Status = "IN_PROGRESS"
	Completed  Status = "COMPLETED"
	Cancelled  Status = "CANCELLED"
)

// validTransitions defines the allowed edges. Completed and Cancelled are
// terminal.
var validTransitions = map[Status][]Status{
	Pending:    {Accepted, Cancelled},
	Accepted:   {InProgress, Cancelled},
	InProgress: {Completed, Cancelled},
	Completed:  {},
	Cancelled:  {},
}

// rank orders states by lifecycle progression; the resolver uses it to
// decide whether a remote state is farther along than a local intent.
// Terminal states rank highest.
var rank = map[Status]int{
	Pending:    0,
	Accepted:   1,
	InProgress: 2,
	Completed:  3,
	Cancelled:  3,
}

// Known reports whether s is a defined lifecycle state.
func Known(s Status) bool {
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func Terminal(s Status) bool {
	return s == Completed || s == Cancelled
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Rank returns the progression order of s. Unknown states rank below Pending.
func Rank(s Status) int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// CheckTransition validates from → to, returning an InvalidTransition fault
// when the edge is not legal.
func CheckTransition(from, to Status) error {
	if !Known(from) || !Known(to) {
		return fault.Newf(fault.InvalidTransition, "unknown status in %s -> %s", from, to)
	}
	if !CanTransition(from, to) {
		return fault.Newf(fault.InvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// CheckCancel validates a cancellation intent: the edge must be legal and the
// reason non-empty.
func CheckCancel(from Status, reason string) error {
	if reason == "" {
		return fault.New(fault.InvalidTransition, "cancel requires a reason")
	}
	return CheckTransition(from, Cancelled)
}

// CheckComplete validates a completion intent: the edge must be legal and the
// confirmation email non-empty.
func CheckComplete(from Status, confirmationEmail string) error {
	if confirmationEmail == "" {
		return fault.New(fault.InvalidTransition, "complete requires confirmation metadata")
	}
	return CheckTransition(from, Completed)
}
