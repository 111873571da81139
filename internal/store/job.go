package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/fieldsync/internal/fault"
	"github.com/matheus3301/fieldsync/internal/job"
)

const jobColumns = `id, title, worker_id, status, cancel_reason, completion_email,
	remote_status, remote_cancel_reason, remote_completion_email,
	version, dirty, quarantined, updated_at`

// UpsertRemoteJob writes an authoritative job state: both the displayed and
// the shadow columns are set to the remote state and the record is clean.
// Idempotent on job id; replaying the same remote state changes nothing
// observable.
func (db *DB) UpsertRemoteJob(j *Job) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO jobs (id, title, worker_id, status, cancel_reason, completion_email,
			remote_status, remote_cancel_reason, remote_completion_email,
			version, dirty, quarantined, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			worker_id = excluded.worker_id,
			status = excluded.status,
			cancel_reason = excluded.cancel_reason,
			completion_email = excluded.completion_email,
			remote_status = excluded.remote_status,
			remote_cancel_reason = excluded.remote_cancel_reason,
			remote_completion_email = excluded.remote_completion_email,
			version = excluded.version,
			dirty = 0,
			updated_at = excluded.updated_at`,
		j.ID, j.Title, j.WorkerID, string(j.Status), j.CancelReason, j.CompletionEmail,
		string(j.Status), j.CancelReason, j.CompletionEmail,
		j.Version, now)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	db.publish("job.updated", map[string]string{"job_id": j.ID})
	return nil
}

// ApplyJobIntent applies an optimistic local transition and enqueues its
// mutation in one transaction: the current row is re-read under the write
// lock, prepare validates the transition and builds the payload against the
// confirmed version, the displayed columns take the intended state, the
// record turns dirty and a queue entry is appended. The shadow columns keep
// the last confirmed state for rollback. Running validation inside the same
// transaction as the write means an intent can never commit against a row
// another goroutine changed after the read.
func (db *DB) ApplyJobIntent(j *Job, entry *QueueEntry, prepare func(current *Job) error) error {
	now := time.Now().UnixMilli()
	err := db.Transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, j.ID)
		current, err := scanJob(row)
		if err == sql.ErrNoRows {
			return fault.Newf(fault.Rejected, "unknown job %s", j.ID)
		}
		if err != nil {
			return fmt.Errorf("apply job intent: %w", err)
		}
		if current.Quarantined {
			return fault.Newf(fault.Corrupt, "job %s is quarantined", j.ID)
		}
		if prepare != nil {
			if err := prepare(current); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, cancel_reason = ?, completion_email = ?,
				dirty = 1, updated_at = ?
			WHERE id = ?`,
			string(j.Status), j.CancelReason, j.CompletionEmail, now, j.ID)
		if err != nil {
			return fmt.Errorf("apply job intent: %w", err)
		}
		return insertQueueEntry(tx, entry, now)
	})
	if err != nil {
		return err
	}
	db.publish("job.updated", map[string]string{"job_id": j.ID})
	db.publish("mutation.enqueued", map[string]string{"mutation_id": entry.MutationID})
	return nil
}

// AckJob settles an accepted mutation: the shadow columns take the state the
// authority confirmed and the version advances. When later mutations are
// still stacked on the job, the displayed columns keep their optimistic
// overlay and the record stays dirty; only once no pending or in-flight
// entry remains does the row turn clean with displayed = confirmed.
func (db *DB) AckJob(id string, confirmed *Job, version int64, settledID string) error {
	now := time.Now().UnixMilli()
	err := db.Transact(func(tx *sql.Tx) error {
		var remaining bool
		err := tx.QueryRow(`
			SELECT EXISTS(
				SELECT 1 FROM mutation_queue
				WHERE entity_type = ? AND entity_id = ?
				  AND status IN ('pending', 'inflight')
				  AND mutation_id != ?)`,
			EntityJob, id, settledID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("ack job %s: %w", id, err)
		}
		if remaining {
			_, err = tx.Exec(`
				UPDATE jobs SET version = ?, dirty = 1,
					remote_status = ?, remote_cancel_reason = ?, remote_completion_email = ?,
					updated_at = ?
				WHERE id = ?`,
				version, string(confirmed.Status), confirmed.CancelReason, confirmed.CompletionEmail,
				now, id)
		} else {
			_, err = tx.Exec(`
				UPDATE jobs SET version = ?, dirty = 0,
					status = ?, cancel_reason = ?, completion_email = ?,
					remote_status = ?, remote_cancel_reason = ?, remote_completion_email = ?,
					updated_at = ?
				WHERE id = ?`,
				version,
				string(confirmed.Status), confirmed.CancelReason, confirmed.CompletionEmail,
				string(confirmed.Status), confirmed.CancelReason, confirmed.CompletionEmail,
				now, id)
		}
		if err != nil {
			return fmt.Errorf("ack job %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.publish("job.updated", map[string]string{"job_id": id})
	return nil
}

// RollbackJob restores the last confirmed remote state after a rejected
// mutation. The record stays dirty while other entries for the job are still
// pending or in flight.
func (db *DB) RollbackJob(id, settledID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE jobs SET status = remote_status,
			cancel_reason = remote_cancel_reason,
			completion_email = remote_completion_email,
			dirty = (SELECT EXISTS(
				SELECT 1 FROM mutation_queue q
				WHERE q.entity_type = ? AND q.entity_id = jobs.id
				  AND q.status IN ('pending', 'inflight')
				  AND q.mutation_id != ?)),
			updated_at = ?
		WHERE id = ?`, EntityJob, settledID, now, id)
	if err != nil {
		return fmt.Errorf("rollback job %s: %w", id, err)
	}
	db.publish("job.updated", map[string]string{"job_id": id})
	return nil
}

// RebaseJob adopts a newer remote state as the confirmed base while keeping
// the local optimistic overlay and its queued mutation. Used when the remote
// moved forward in version without overtaking the local intent.
func (db *DB) RebaseJob(j *Job) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE jobs SET title = ?, worker_id = ?,
			remote_status = ?, remote_cancel_reason = ?, remote_completion_email = ?,
			version = ?, updated_at = ?
		WHERE id = ?`,
		j.Title, j.WorkerID, string(j.Status), j.CancelReason, j.CompletionEmail,
		j.Version, now, j.ID)
	if err != nil {
		return fmt.Errorf("rebase job %s: %w", j.ID, err)
	}
	db.publish("job.updated", map[string]string{"job_id": j.ID})
	return nil
}

// GetJob returns a job by id, or nil when absent. A record violating store
// invariants is quarantined in place and reported as Corrupt; it stays out of
// listings and of sync from then on.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if j.Quarantined {
		return nil, fault.Newf(fault.Corrupt, "job %s is quarantined", id)
	}
	if !job.Known(j.Status) || j.Version < 0 {
		if qerr := db.quarantineJob(id); qerr != nil {
			return nil, qerr
		}
		return nil, fault.Newf(fault.Corrupt, "job %s: status %q version %d", id, j.Status, j.Version)
	}
	return j, nil
}

// ListJobs returns all non-quarantined jobs, most recently updated first.
// Rows violating store invariants are quarantined, same as on a single
// fetch, so a corrupt record never reaches a listing.
func (db *DB) ListJobs() ([]Job, error) {
	rows, err := db.Query(`SELECT ` + jobColumns + ` FROM jobs WHERE quarantined = 0 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	var corrupt []string
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		if !job.Known(j.Status) || j.Version < 0 {
			corrupt = append(corrupt, j.ID)
			continue
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	for _, id := range corrupt {
		if err := db.quarantineJob(id); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (db *DB) quarantineJob(id string) error {
	_, err := db.Exec(`UPDATE jobs SET quarantined = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("quarantine job %s: %w", id, err)
	}
	db.publish("sync.quarantined", map[string]string{"entity_type": EntityJob, "entity_id": id})
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var status, remoteStatus string
	err := r.Scan(&j.ID, &j.Title, &j.WorkerID, &status, &j.CancelReason, &j.CompletionEmail,
		&remoteStatus, &j.RemoteCancelReason, &j.RemoteCompletionEmail,
		&j.Version, &j.Dirty, &j.Quarantined, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.RemoteStatus = job.Status(remoteStatus)
	return &j, nil
}
