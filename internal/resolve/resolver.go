// Package resolve reconciles locally-applied optimistic state with the
// remote authority. Everything here is a pure function over snapshots; the
// sync engine applies the resulting decision to the store.
package resolve

import (
	"github.com/matheus3301/fieldsync/internal/job"
	"github.com/matheus3301/fieldsync/internal/store"
	"github.com/matheus3301/fieldsync/internal/transport"
)

// Outcome classifies the fate of a local mutation or remote update.
type Outcome string

const (
	// Applied: the authority accepted the mutation; stamp the returned
	// version and mark the record clean.
	Applied Outcome = "applied"

	// Rejected: the authority refused the mutation as a business rule;
	// roll the record back to the last confirmed state.
	Rejected Outcome = "rejected"

	// Superseded: a newer authoritative state moved past the local intent;
	// the intent is discarded and the remote state adopted.
	Superseded Outcome = "superseded"

	// Adopt: apply the remote state as-is (no local intent in the way).
	Adopt Outcome = "adopt"

	// Rebase: the remote advanced without overtaking the local intent;
	// adopt it as the new confirmed base and keep the intent queued.
	Rebase Outcome = "rebase"

	// Ignore: the update is stale or a duplicate; nothing changes.
	Ignore Outcome = "ignore"
)

// Decision is the resolver's verdict plus the data the engine needs to apply
// it.
type Decision struct {
	Outcome Outcome
	Version int64      // authoritative version to stamp when Applied
	Remote  *store.Job // confirmed state when Applied echoes it; state to adopt for Adopt/Rebase/Superseded
	Reason  string
}

// JobFromState converts the authority's job representation to a store row.
func JobFromState(s *transport.JobState) *store.Job {
	return &store.Job{
		ID:              s.ID,
		Title:           s.Title,
		WorkerID:        s.WorkerID,
		Status:          job.Status(s.Status),
		CancelReason:    s.CancelReason,
		CompletionEmail: s.CompletionEmail,
		Version:         s.Version,
	}
}

// overtakes reports whether the remote status makes the local intent moot:
// it is farther along the lifecycle, or terminal.
func overtakes(remote, local job.Status) bool {
	return job.Rank(remote) > job.Rank(local) || job.Terminal(remote)
}

// SubmitJob decides the fate of a job mutation given the authority's reply.
// local is the optimistic row the mutation produced.
func SubmitJob(local *store.Job, res *transport.SubmitResult) Decision {
	if res.Accepted {
		// An echoed state is the confirmed baseline; without one the caller
		// falls back to the state the mutation intended.
		if res.Job != nil {
			return Decision{Outcome: Applied, Version: res.Job.Version, Remote: JobFromState(res.Job)}
		}
		return Decision{Outcome: Applied, Version: local.Version + 1}
	}

	// The rejection may carry the current authoritative state. A strictly
	// newer version whose status overtakes the local intent means the
	// intent was superseded, not wrong.
	if res.Job != nil && res.Job.Version > local.Version && overtakes(job.Status(res.Job.Status), local.Status) {
		return Decision{Outcome: Superseded, Remote: JobFromState(res.Job), Reason: res.Reason}
	}
	return Decision{Outcome: Rejected, Reason: res.Reason}
}

// RemoteJob decides how an independently-pushed job state merges with the
// local row. local may be nil for a job this device has never seen.
func RemoteJob(local *store.Job, remote *store.Job) Decision {
	if local == nil {
		return Decision{Outcome: Adopt, Remote: remote}
	}
	if remote.Version <= local.Version {
		return Decision{Outcome: Ignore}
	}
	if !local.Dirty {
		return Decision{Outcome: Adopt, Remote: remote}
	}
	if overtakes(remote.Status, local.Status) {
		return Decision{Outcome: Superseded, Remote: remote}
	}
	return Decision{Outcome: Rebase, Remote: remote}
}
