package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/fieldsync/internal/fault"
)

func enqueue(t *testing.T, db *DB, mutationID, entityID string) {
	t.Helper()
	err := db.Enqueue(&QueueEntry{
		MutationID: mutationID,
		Kind:       "cancel_job",
		EntityType: EntityJob,
		EntityID:   entityID,
		Payload:    []byte(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestQueueFIFOPerEntity(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, "m1", "J1")
	enqueue(t, db, "m2", "J1")
	enqueue(t, db, "m3", "J2")

	e, err := db.NextEligible(now)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.MutationID != "m1" {
		t.Fatalf("first eligible = %+v, want m1", e)
	}

	// While m1 is in flight, J1's m2 is blocked but J2's m3 can drain.
	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}
	e, _ = db.NextEligible(now)
	if e == nil || e.MutationID != "m3" {
		t.Fatalf("eligible with m1 inflight = %+v, want m3", e)
	}

	// After m1 acks, m2 becomes the oldest eligible again.
	if err := db.MarkInflight("m3"); err != nil {
		t.Fatal(err)
	}
	if err := db.Ack("m1"); err != nil {
		t.Fatal(err)
	}
	e, _ = db.NextEligible(now)
	if e == nil || e.MutationID != "m2" {
		t.Fatalf("eligible after ack = %+v, want m2", e)
	}
}

func TestQueueBackoffEligibility(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, "m1", "J1")
	enqueue(t, db, "m2", "J2")

	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Nack("m1", 30*time.Second, "timeout"); err != nil {
		t.Fatal(err)
	}

	// m1 is backing off; m2 for a different entity drains now.
	e, err := db.NextEligible(now)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.MutationID != "m2" {
		t.Fatalf("eligible during backoff = %+v, want m2", e)
	}

	// Past the retry time, m1 is eligible again and keeps its attempt count.
	e, _ = db.NextEligible(now.Add(time.Minute))
	if e == nil || e.MutationID != "m1" {
		t.Fatalf("eligible after backoff = %+v, want m1", e)
	}
	if e.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", e.Attempts)
	}
	if e.LastError != "timeout" {
		t.Errorf("last_error = %q, want timeout", e.LastError)
	}
}

func TestQueueBackoffBlocksYoungerSameEntity(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, "m1", "J1")
	enqueue(t, db, "m2", "J1")

	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Nack("m1", time.Minute, "network error"); err != nil {
		t.Fatal(err)
	}

	// m2 targets the same entity as the backing-off m1: it must wait, or the
	// two mutations would reach the authority out of creation order.
	e, err := db.NextEligible(now)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Fatalf("eligible = %+v, want none (same-entity FIFO)", e)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, "m1", "J1")
	if err := db.CancelEntry("m1"); err != nil {
		t.Fatal(err)
	}
	e, _ := db.Entry("m1")
	if e.Status != EntryCancelled {
		t.Errorf("status = %s, want cancelled", e.Status)
	}

	enqueue(t, db, "m2", "J2")
	if err := db.MarkInflight("m2"); err != nil {
		t.Fatal(err)
	}
	if err := db.CancelEntry("m2"); !fault.Is(err, fault.Rejected) {
		t.Errorf("cancel of inflight = %v, want Rejected", err)
	}
}

func TestResetInflightOnRestart(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, "m1", "J1")
	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}

	n, err := db.ResetInflight()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d entries, want 1", n)
	}
	e, _ := db.NextEligible(now)
	if e == nil || e.MutationID != "m1" {
		t.Fatalf("eligible after reset = %+v, want m1", e)
	}
}

// TestRestartDurability kills the connection with unacknowledged entries and
// reopens the same file: exactly the same entries must still be pending,
// none duplicated, none lost.
func TestRestartDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		enqueue(t, db, id, "J-"+id)
	}
	if err := db.MarkInflight("m2"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ResetInflight(); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending after restart, want 3", len(pending))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if pending[i].MutationID != want {
			t.Errorf("pending[%d] = %s, want %s (creation order)", i, pending[i].MutationID, want)
		}
	}
}

func TestSenderCounterMonotonicAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	for want := int64(1); want <= 3; want++ {
		c, err := db.NextSenderCounter("C1", "W1")
		if err != nil {
			t.Fatal(err)
		}
		if c != want {
			t.Errorf("counter = %d, want %d", c, want)
		}
	}
	// Another sender in the same conversation counts independently.
	if c, _ := db.NextSenderCounter("C1", "W2"); c != 1 {
		t.Errorf("other sender counter = %d, want 1", c)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.NextSenderCounter("C1", "W1"); c != 4 {
		t.Errorf("counter after reopen = %d, want 4 (never resets)", c)
	}
}
