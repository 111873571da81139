package store

import (
	"path/filepath"
	"testing"

	"github.com/matheus3301/fieldsync/internal/fault"
	"github.com/matheus3301/fieldsync/internal/job"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestJobUpsertAndGet(t *testing.T) {
	db := testDB(t)

	j := &Job{ID: "J1", Title: "Replace boiler", WorkerID: "W1", Status: job.Accepted, Version: 3}
	if err := db.UpsertRemoteJob(j); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetJob("J1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != job.Accepted || got.Version != 3 {
		t.Fatalf("got %+v, want Accepted v3", got)
	}
	if got.Dirty {
		t.Error("remote upsert should leave job clean")
	}
	if got.RemoteStatus != job.Accepted {
		t.Errorf("remote_status = %s, want Accepted", got.RemoteStatus)
	}

	missing, err := db.GetJob("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing job")
	}
}

func TestApplyJobIntentMarksDirtyAndEnqueues(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "J1", Status: job.Accepted, Version: 1}); err != nil {
		t.Fatal(err)
	}

	j, _ := db.GetJob("J1")
	j.Status = job.Cancelled
	j.CancelReason = "customer no-show"
	entry := &QueueEntry{MutationID: "m1", Kind: "cancel_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)}
	if err := db.ApplyJobIntent(j, entry, nil); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetJob("J1")
	if got.Status != job.Cancelled || !got.Dirty {
		t.Errorf("got status=%s dirty=%v, want Cancelled dirty", got.Status, got.Dirty)
	}
	if got.RemoteStatus != job.Accepted {
		t.Errorf("remote shadow = %s, should still be Accepted", got.RemoteStatus)
	}

	pending, err := db.PendingEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].MutationID != "m1" {
		t.Fatalf("pending = %+v, want one entry m1", pending)
	}
}

func TestApplyJobIntentUnknownJobRollsBack(t *testing.T) {
	db := testDB(t)

	j := &Job{ID: "ghost", Status: job.Cancelled, CancelReason: "x"}
	entry := &QueueEntry{MutationID: "m1", Kind: "cancel_job", EntityType: EntityJob, EntityID: "ghost", Payload: []byte(`{}`)}
	if err := db.ApplyJobIntent(j, entry, nil); !fault.Is(err, fault.Rejected) {
		t.Fatalf("err = %v, want Rejected for unknown job", err)
	}

	// The enqueue inside the same transaction must have rolled back too.
	pending, _ := db.PendingEntries()
	if len(pending) != 0 {
		t.Errorf("got %d pending entries after rollback, want 0", len(pending))
	}
}

func TestAckJobStampsVersionAndShadow(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "J1", Status: job.InProgress, Version: 4}); err != nil {
		t.Fatal(err)
	}
	j, _ := db.GetJob("J1")
	j.Status = job.Completed
	j.CompletionEmail = "a@b.com"
	if err := db.ApplyJobIntent(j, &QueueEntry{MutationID: "m1", Kind: "complete_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)}, nil); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}
	confirmed := &Job{ID: "J1", Status: job.Completed, CompletionEmail: "a@b.com"}
	if err := db.AckJob("J1", confirmed, 5, "m1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetJob("J1")
	if got.Version != 5 || got.Dirty {
		t.Errorf("got v%d dirty=%v, want v5 clean", got.Version, got.Dirty)
	}
	if got.RemoteStatus != job.Completed || got.RemoteCompletionEmail != "a@b.com" {
		t.Errorf("shadow = %s/%q, want Completed/a@b.com", got.RemoteStatus, got.RemoteCompletionEmail)
	}
}

func TestRollbackJobRestoresRemoteState(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "J1", Status: job.Accepted, Version: 2}); err != nil {
		t.Fatal(err)
	}
	j, _ := db.GetJob("J1")
	j.Status = job.Cancelled
	j.CancelReason = "changed my mind"
	if err := db.ApplyJobIntent(j, &QueueEntry{MutationID: "m1", Kind: "cancel_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)}, nil); err != nil {
		t.Fatal(err)
	}

	if err := db.RollbackJob("J1", "m1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetJob("J1")
	if got.Status != job.Accepted || got.CancelReason != "" || got.Dirty {
		t.Errorf("got %s/%q dirty=%v, want Accepted, no reason, clean", got.Status, got.CancelReason, got.Dirty)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want unchanged 2", got.Version)
	}
}

func TestCorruptJobQuarantinedOnLoad(t *testing.T) {
	db := testDB(t)

	// Bypass the typed API to plant an invalid row, as a buggy writer or
	// disk corruption would.
	if _, err := db.Exec(`INSERT INTO jobs (id, status, remote_status) VALUES ('bad', 'LIMBO', 'LIMBO')`); err != nil {
		t.Fatal(err)
	}

	_, err := db.GetJob("bad")
	if !fault.Is(err, fault.Corrupt) {
		t.Fatalf("err = %v, want Corrupt", err)
	}

	// Quarantined rows are excluded from listings and stay quarantined.
	jobs, err := db.ListJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d listed jobs, want 0", len(jobs))
	}
	if _, err := db.GetJob("bad"); !fault.Is(err, fault.Corrupt) {
		t.Errorf("second load err = %v, want Corrupt", err)
	}
}

func TestConversationDerivedFields(t *testing.T) {
	db := testDB(t)

	conv := &Conversation{ID: "C1", JobID: "J1", Participants: []string{"W1", "D1"}}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	// Two peer messages, one own message.
	for i, m := range []*Message{
		{ConversationID: "C1", ServerID: "s1", SenderID: "D1", Body: "on my way", ServerTS: 100, ServerSeq: 1},
		{ConversationID: "C1", ServerID: "s2", SenderID: "D1", Body: "arrived", ServerTS: 200, ServerSeq: 2},
	} {
		if err := db.UpsertRemoteMessage(m); err != nil {
			t.Fatalf("msg %d: %v", i, err)
		}
	}

	v, err := db.GetConversation("C1", "W1")
	if err != nil {
		t.Fatal(err)
	}
	if v.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", v.UnreadCount)
	}
	if v.LastBody != "arrived" {
		t.Errorf("last body = %q, want arrived", v.LastBody)
	}
	if len(v.Participants) != 2 {
		t.Errorf("participants = %v", v.Participants)
	}

	// Replaying a push must not inflate the count.
	if err := db.UpsertRemoteMessage(&Message{ConversationID: "C1", ServerID: "s2", SenderID: "D1", Body: "arrived", ServerTS: 200, ServerSeq: 2}); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetConversation("C1", "W1")
	if v.UnreadCount != 2 {
		t.Errorf("unread after replay = %d, want 2", v.UnreadCount)
	}

	if err := db.MarkConversationRead("C1", "W1"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetConversation("C1", "W1")
	if v.UnreadCount != 0 {
		t.Errorf("unread after read = %d, want 0", v.UnreadCount)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "C1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRemoteMessage(&Message{ConversationID: "C1", ServerID: "s1", SenderID: "D1", Body: "boiler pressure low", ServerTS: 100, ServerSeq: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRemoteMessage(&Message{ConversationID: "C1", ServerID: "s2", SenderID: "D1", Body: "all fixed now", ServerTS: 200, ServerSeq: 2}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("boiler", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ServerID != "s1" {
		t.Errorf("server_id = %q, want s1", results[0].Message.ServerID)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := testDB(t)

	v, err := db.Checkpoint("push_cursor")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint("push_cursor", "42"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("push_cursor", "43"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.Checkpoint("push_cursor")
	if v != "43" {
		t.Errorf("checkpoint = %q, want 43", v)
	}
}

// Two mutations stacked on one job: acking the first must stamp the shadow
// with that mutation's confirmed state, not the second one's still-optimistic
// overlay, and the record stays dirty until the last entry settles.
func TestStackedMutationsKeepConfirmedShadow(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "J1", Status: job.Accepted, Version: 1}); err != nil {
		t.Fatal(err)
	}
	j, _ := db.GetJob("J1")
	j.Status = job.InProgress
	if err := db.ApplyJobIntent(j, &QueueEntry{MutationID: "m1", Kind: "start_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)}, nil); err != nil {
		t.Fatal(err)
	}
	j, _ = db.GetJob("J1")
	j.Status = job.Completed
	j.CompletionEmail = "a@b.com"
	if err := db.ApplyJobIntent(j, &QueueEntry{MutationID: "m2", Kind: "complete_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)}, nil); err != nil {
		t.Fatal(err)
	}

	// First mutation settles accepted.
	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.AckJob("J1", &Job{ID: "J1", Status: job.InProgress}, 2, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Ack("m1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetJob("J1")
	if !got.Dirty {
		t.Error("job clean while m2 is still pending")
	}
	if got.RemoteStatus != job.InProgress {
		t.Errorf("confirmed shadow = %s, want IN_PROGRESS", got.RemoteStatus)
	}
	if got.Status != job.Completed {
		t.Errorf("displayed = %s, want the second mutation's optimistic Completed", got.Status)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}

	// Second mutation is rejected: rollback lands on the state m1 confirmed.
	if err := db.MarkInflight("m2"); err != nil {
		t.Fatal(err)
	}
	if err := db.RollbackJob("J1", "m2"); err != nil {
		t.Fatal(err)
	}
	if err := db.Ack("m2"); err != nil {
		t.Fatal(err)
	}

	got, _ = db.GetJob("J1")
	if got.Status != job.InProgress || got.Dirty {
		t.Errorf("rolled-back job = %s dirty=%v, want IN_PROGRESS clean", got.Status, got.Dirty)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want unchanged 2", got.Version)
	}
}

// The last settlement turns the record clean with displayed = confirmed.
func TestAckLastMutationCleansDisplayedState(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "J1", Status: job.InProgress, Version: 3}); err != nil {
		t.Fatal(err)
	}
	j, _ := db.GetJob("J1")
	j.Status = job.Completed
	j.CompletionEmail = "a@b.com"
	if err := db.ApplyJobIntent(j, &QueueEntry{MutationID: "m1", Kind: "complete_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)}, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkInflight("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.AckJob("J1", &Job{ID: "J1", Status: job.Completed, CompletionEmail: "a@b.com"}, 4, "m1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetJob("J1")
	if got.Status != job.Completed || got.Dirty || got.Version != 4 {
		t.Errorf("job = %s dirty=%v v%d, want clean Completed v4", got.Status, got.Dirty, got.Version)
	}
	if got.RemoteStatus != job.Completed || got.RemoteCompletionEmail != "a@b.com" {
		t.Errorf("shadow = %s/%q, want Completed/a@b.com", got.RemoteStatus, got.RemoteCompletionEmail)
	}
}

// prepare sees the row as it is inside the intent transaction, and an error
// from it aborts the whole intent.
func TestApplyJobIntentValidatesInTransaction(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "J1", Status: job.Accepted, Version: 7}); err != nil {
		t.Fatal(err)
	}

	var seen *Job
	j := &Job{ID: "J1", Status: job.Cancelled, CancelReason: "x"}
	err := db.ApplyJobIntent(j, &QueueEntry{MutationID: "m1", Kind: "cancel_job", EntityType: EntityJob, EntityID: "J1", Payload: []byte(`{}`)},
		func(current *Job) error {
			seen = current
			return fault.New(fault.InvalidTransition, "nope")
		})
	if !fault.Is(err, fault.InvalidTransition) {
		t.Fatalf("err = %v, want the prepare error", err)
	}
	if seen == nil || seen.Status != job.Accepted || seen.Version != 7 {
		t.Errorf("prepare saw %+v, want the committed row", seen)
	}

	got, _ := db.GetJob("J1")
	if got.Status != job.Accepted || got.Dirty {
		t.Errorf("job mutated by aborted intent: %s dirty=%v", got.Status, got.Dirty)
	}
	pending, _ := db.PendingEntries()
	if len(pending) != 0 {
		t.Errorf("aborted intent enqueued %d entries", len(pending))
	}
}

// Corrupt rows are quarantined by listings too, not only by single fetches.
func TestListJobsQuarantinesCorruptRows(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRemoteJob(&Job{ID: "good", Status: job.Accepted, Version: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := db.Exec(`INSERT INTO jobs (id, status, remote_status, version) VALUES ('bad', 'WAT', 'WAT', -1)`)
	if err != nil {
		t.Fatal(err)
	}

	jobs, err := db.ListJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "good" {
		t.Fatalf("jobs = %+v, want only the valid row", jobs)
	}

	if _, err := db.GetJob("bad"); !fault.Is(err, fault.Corrupt) {
		t.Errorf("err = %v, want Corrupt for the quarantined row", err)
	}
	var quarantined bool
	if err := db.QueryRow(`SELECT quarantined FROM jobs WHERE id = 'bad'`).Scan(&quarantined); err != nil {
		t.Fatal(err)
	}
	if !quarantined {
		t.Error("listing did not quarantine the corrupt row")
	}
}
