package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/fieldsync/internal/fault"
)

const entryColumns = `id, mutation_id, kind, entity_type, entity_id, payload,
	attempts, next_retry_at, status, last_error, created_at`

func insertQueueEntry(tx *sql.Tx, e *QueueEntry, now int64) error {
	_, err := tx.Exec(`
		INSERT INTO mutation_queue (mutation_id, kind, entity_type, entity_id, payload,
			attempts, next_retry_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 'pending', ?, ?)`,
		e.MutationID, e.Kind, e.EntityType, e.EntityID, e.Payload, now, now)
	if err != nil {
		return fmt.Errorf("enqueue mutation %s: %w", e.MutationID, err)
	}
	return nil
}

// Enqueue appends a mutation outside any larger transaction. Local intents
// normally enqueue through ApplyJobIntent/AppendLocalMessage instead, so the
// optimistic write and the queue entry commit atomically.
func (db *DB) Enqueue(e *QueueEntry) error {
	err := db.Transact(func(tx *sql.Tx) error {
		return insertQueueEntry(tx, e, time.Now().UnixMilli())
	})
	if err != nil {
		return err
	}
	db.publish("mutation.enqueued", map[string]string{"mutation_id": e.MutationID})
	return nil
}

// NextEligible returns the oldest pending entry whose retry time has elapsed,
// skipping any entry whose target entity has an older pending entry or an
// in-flight entry. That enforces both per-entity FIFO and the one-in-flight-
// per-entity rule; entries for different entities may overtake each other.
// Returns nil when nothing is eligible.
func (db *DB) NextEligible(now time.Time) (*QueueEntry, error) {
	row := db.QueryRow(`
		SELECT `+entryColumns+`
		FROM mutation_queue q
		WHERE q.status = 'pending'
		  AND q.next_retry_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM mutation_queue e
			WHERE e.entity_type = q.entity_type
			  AND e.entity_id = q.entity_id
			  AND (e.status = 'inflight' OR (e.status = 'pending' AND e.id < q.id)))
		ORDER BY q.id
		LIMIT 1`, now.UnixMilli())
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// MarkInflight moves a pending entry to in-flight before submission.
func (db *DB) MarkInflight(mutationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE mutation_queue SET status = 'inflight', updated_at = ? WHERE mutation_id = ? AND status = 'pending'`,
		now, mutationID)
	if err != nil {
		return fmt.Errorf("mark inflight %s: %w", mutationID, err)
	}
	return nil
}

// Ack marks an entry done. Done entries are kept for idempotency bookkeeping,
// not re-drained.
func (db *DB) Ack(mutationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE mutation_queue SET status = 'done', updated_at = ? WHERE mutation_id = ?`, now, mutationID)
	if err != nil {
		return fmt.Errorf("ack %s: %w", mutationID, err)
	}
	return nil
}

// Nack returns an entry to pending, bumps its attempt count and schedules the
// next retry after delay.
func (db *DB) Nack(mutationID string, delay time.Duration, reason string) error {
	now := time.Now()
	_, err := db.Exec(`
		UPDATE mutation_queue SET status = 'pending', attempts = attempts + 1,
			next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE mutation_id = ?`,
		now.Add(delay).UnixMilli(), reason, now.UnixMilli(), mutationID)
	if err != nil {
		return fmt.Errorf("nack %s: %w", mutationID, err)
	}
	return nil
}

// CancelEntry cancels a queued mutation. Only pending entries can be
// cancelled; once in flight the mutation runs to completion and the attempt
// fails with Rejected.
func (db *DB) CancelEntry(mutationID string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE mutation_queue SET status = 'cancelled', updated_at = ? WHERE mutation_id = ? AND status = 'pending'`,
		now, mutationID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", mutationID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fault.Newf(fault.Rejected, "mutation %s is not pending", mutationID)
	}
	db.publish("mutation.settled", map[string]string{"mutation_id": mutationID, "outcome": "cancelled"})
	return nil
}

// CancelPendingForEntity cancels every pending entry targeting an entity and
// returns their mutation ids. Used when a remote update supersedes the local
// intents outright.
func (db *DB) CancelPendingForEntity(entityType, entityID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT mutation_id FROM mutation_queue
		WHERE entity_type = ? AND entity_id = ? AND status = 'pending'
		ORDER BY id`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := db.Exec(`UPDATE mutation_queue SET status = 'cancelled', updated_at = ? WHERE mutation_id = ?`, now, id); err != nil {
			return nil, fmt.Errorf("cancel superseded %s: %w", id, err)
		}
	}
	return ids, nil
}

// ResetInflight returns in-flight entries to pending. Called once at startup:
// an entry left in flight means the process died mid-submission, and the
// idempotency key makes the re-submission safe.
func (db *DB) ResetInflight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE mutation_queue SET status = 'pending', updated_at = ? WHERE status = 'inflight'`, now)
	if err != nil {
		return 0, fmt.Errorf("reset inflight: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingEntries returns all pending entries in creation order.
func (db *DB) PendingEntries() ([]QueueEntry, error) {
	rows, err := db.Query(`SELECT ` + entryColumns + ` FROM mutation_queue WHERE status = 'pending' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Entry returns a queue entry by mutation id, or nil when absent.
func (db *DB) Entry(mutationID string) (*QueueEntry, error) {
	row := db.QueryRow(`SELECT `+entryColumns+` FROM mutation_queue WHERE mutation_id = ?`, mutationID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanEntry(r rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	err := r.Scan(&e.ID, &e.MutationID, &e.Kind, &e.EntityType, &e.EntityID, &e.Payload,
		&e.Attempts, &e.NextRetry, &e.Status, &e.LastError, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
