package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/job"
	"github.com/matheus3301/fieldsync/internal/lock"
	"github.com/matheus3301/fieldsync/internal/status"
	"github.com/matheus3301/fieldsync/internal/store"
	intsync "github.com/matheus3301/fieldsync/internal/sync"
	"github.com/matheus3301/fieldsync/internal/transport"
	"go.uber.org/zap"
)

type scriptedAuthority struct {
	mu      sync.Mutex
	submits int
	respond func(m transport.Mutation) (*transport.SubmitResult, error)
}

func (s *scriptedAuthority) Submit(_ context.Context, m transport.Mutation) (*transport.SubmitResult, error) {
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
	return s.respond(m)
}

func (s *scriptedAuthority) Pull(context.Context, string) ([]transport.PushEvent, string, error) {
	return nil, "", nil
}

type staticTokens struct{ token string }

func (s *staticTokens) CurrentToken() (string, bool) { return s.token, s.token != "" }

// Hand-wires the full daemon component set and walks one job through
// offline completion, reconnect and settlement.
func TestDaemonComponentsEndToEnd(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "fieldsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "fieldsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger, _ := zap.NewDevelopment()
	b := bus.New()
	db.Bind(b)
	machine := status.NewMachine(b)

	authority := &scriptedAuthority{respond: func(m transport.Mutation) (*transport.SubmitResult, error) {
		return &transport.SubmitResult{
			Accepted: true,
			Job:      &transport.JobState{ID: m.EntityID, Status: "COMPLETED", Version: 2},
		}, nil
	}}
	engine := intsync.NewEngine(db, authority, &staticTokens{token: "tok"}, b, machine, logger, intsync.Config{
		Tick: 50 * time.Millisecond,
	})
	intents := api.NewIntentService(db, "W1", logger)
	queries := api.NewQueryService(db, b, "W1")

	if err := db.UpsertRemoteJob(&store.Job{ID: "J1", WorkerID: "W1", Status: job.InProgress, Version: 1}); err != nil {
		t.Fatal(err)
	}

	// Complete while "offline": engine not yet activated.
	if _, err := intents.CompleteJob("J1", "lead@example.com"); err != nil {
		t.Fatal(err)
	}
	j, _ := queries.Job("J1")
	if j.Status != job.Completed || !j.Dirty {
		t.Fatalf("offline job = %s dirty=%v, want optimistic Completed", j.Status, j.Dirty)
	}

	drained, unsub := b.Subscribe("sync.drained", 8)
	defer unsub()

	engine.Start(context.Background())
	defer engine.Stop()
	b.Publish(bus.Event{Kind: "net.online"})

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained")
	}

	j, _ = queries.Job("J1")
	if j.Status != job.Completed || j.Dirty || j.Version != 2 {
		t.Errorf("settled job = %s dirty=%v v%d, want clean Completed v2", j.Status, j.Dirty, j.Version)
	}
	if machine.Current() != status.Ready {
		t.Errorf("runtime state = %s, want READY after a clean cycle", machine.Current())
	}
	pending, _ := queries.PendingMutations()
	if len(pending) != 0 {
		t.Errorf("%d mutations still pending", len(pending))
	}
}
