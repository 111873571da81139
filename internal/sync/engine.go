// Package sync drives the offline-first loop: it drains the durable mutation
// queue against the remote authority, routes every response through the
// conflict resolver and folds remote-origin pushes back into the store. One
// goroutine serializes all of it, so store writes never race.
package sync

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/fault"
	"github.com/matheus3301/fieldsync/internal/job"
	"github.com/matheus3301/fieldsync/internal/resolve"
	"github.com/matheus3301/fieldsync/internal/status"
	"github.com/matheus3301/fieldsync/internal/store"
	"github.com/matheus3301/fieldsync/internal/transport"
	"go.uber.org/zap"
)

// PushCursorKey is the sync_state key holding the push-feed cursor.
const PushCursorKey = "push_cursor"

// Config tunes the engine loop.
type Config struct {
	Tick          time.Duration // periodic activation
	SubmitTimeout time.Duration // per-mutation transport timeout
	PullTimeout   time.Duration // push-feed long-poll timeout
	BackoffBase   time.Duration // first retry delay
	BackoffCap    time.Duration // retry delay ceiling
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 25 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	return c
}

// Engine orchestrates queue draining and push ingestion.
type Engine struct {
	db        *store.DB
	authority transport.Authority
	tokens    transport.TokenSource
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	cfg       Config
	cancel    context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, authority transport.Authority, tokens transport.TokenSource, b *bus.Bus, machine *status.Machine, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		db:        db,
		authority: authority,
		tokens:    tokens,
		bus:       b,
		machine:   machine,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Start launches the engine loop. It activates on "net." connectivity events
// and on a periodic tick while online.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	netCh, unsub := e.bus.Subscribe("net.", 16)
	go e.loop(ctx, netCh, unsub)
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) loop(ctx context.Context, netCh <-chan bus.Event, unsub func()) {
	defer unsub()

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	online := false
	for {
		select {
		case evt := <-netCh:
			switch evt.Kind {
			case "net.online":
				online = true
				e.activate(ctx)
			case "net.offline":
				online = false
				e.transition(status.Offline)
			}
		case <-ticker.C:
			if online {
				e.activate(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// activate runs one full cycle: drain the queue, then ingest pushed updates.
// Pushes are handled on the same goroutine after draining, so a remote update
// is never applied while its entity has an in-flight submission.
func (e *Engine) activate(ctx context.Context) {
	if _, ok := e.tokens.CurrentToken(); !ok {
		e.transition(status.Degraded)
		e.logger.Warn("no credential available, drain suspended")
		return
	}
	e.transition(status.Syncing)

	acked, nacked := e.drain(ctx)
	e.pull(ctx)

	e.transition(status.Ready)
	if acked > 0 || nacked > 0 {
		e.bus.Publish(bus.Event{
			Kind:    "sync.drained",
			Payload: map[string]int{"acked": acked, "nacked": nacked},
		})
	}
}

func (e *Engine) drain(ctx context.Context) (acked, nacked int) {
	for ctx.Err() == nil {
		entry, err := e.db.NextEligible(time.Now())
		if err != nil {
			e.logger.Error("queue read failed", zap.Error(err))
			return
		}
		if entry == nil {
			return
		}
		if err := e.db.MarkInflight(entry.MutationID); err != nil {
			e.logger.Error("mark inflight failed", zap.Error(err), zap.String("mutation_id", entry.MutationID))
			return
		}

		sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		res, err := e.authority.Submit(sctx, transport.Mutation{
			ID:         entry.MutationID,
			Kind:       entry.Kind,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			Payload:    entry.Payload,
		})
		cancel()

		if err != nil {
			if fault.Is(err, fault.Unauthenticated) {
				// Put the entry back untouched and stop; it drains once a
				// credential is available again.
				_ = e.db.Nack(entry.MutationID, 0, err.Error())
				e.transition(status.Degraded)
				e.logger.Warn("authority rejected credential, drain suspended")
				return
			}
			// Timeouts, network errors and everything unclassified retry
			// with backoff. Entries for other entities keep draining.
			delay := e.backoff(entry.Attempts)
			if err := e.db.Nack(entry.MutationID, delay, err.Error()); err != nil {
				e.logger.Error("nack failed", zap.Error(err), zap.String("mutation_id", entry.MutationID))
				return
			}
			nacked++
			e.logger.Info("mutation deferred",
				zap.String("mutation_id", entry.MutationID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Duration("retry_in", delay),
				zap.String("error", err.Error()))
			continue
		}

		if e.settle(entry, res) {
			acked++
		} else {
			nacked++
		}
	}
	return
}

// settle routes an authority verdict through the resolver, applies the
// decision and acks the entry. Terminal verdicts are never retried; a local
// write failure leaves the entry unacked and backs off, so the answer is
// re-fetched under the idempotency key once the store recovers.
func (e *Engine) settle(entry *store.QueueEntry, res *transport.SubmitResult) bool {
	var outcome resolve.Outcome
	var reason string
	var err error

	switch entry.EntityType {
	case store.EntityMessage:
		outcome, reason, err = e.settleMessage(entry, res)
	case store.EntityJob:
		outcome, reason, err = e.settleJob(entry, res)
	default:
		e.logger.Error("unknown entity type in queue", zap.String("entity_type", entry.EntityType))
		outcome = resolve.Rejected
		reason = "unknown entity type"
	}

	if err != nil {
		e.logger.Error("settle write failed", zap.Error(err), zap.String("mutation_id", entry.MutationID))
		delay := e.backoff(entry.Attempts)
		if nerr := e.db.Nack(entry.MutationID, delay, err.Error()); nerr != nil {
			e.logger.Error("nack failed", zap.Error(nerr), zap.String("mutation_id", entry.MutationID))
		}
		return false
	}

	if err := e.db.Ack(entry.MutationID); err != nil {
		e.logger.Error("ack failed", zap.Error(err), zap.String("mutation_id", entry.MutationID))
		return false
	}
	e.publishSettled(entry.MutationID, entry.EntityID, outcome, reason)
	return true
}

func (e *Engine) settleJob(entry *store.QueueEntry, res *transport.SubmitResult) (resolve.Outcome, string, error) {
	local, err := e.db.GetJob(entry.EntityID)
	if err != nil {
		// Quarantined records are excluded from sync; drop the mutation.
		e.logger.Warn("job excluded from sync", zap.String("job_id", entry.EntityID), zap.Error(err))
		return resolve.Rejected, err.Error(), nil
	}
	if local == nil {
		return resolve.Rejected, "job no longer exists locally", nil
	}

	d := resolve.SubmitJob(local, res)
	switch d.Outcome {
	case resolve.Applied:
		// When the authority did not echo the job state, reconstruct what
		// this mutation intended from its payload. The displayed columns are
		// no basis: a later stacked mutation may already overlay them.
		confirmed := d.Remote
		if confirmed == nil {
			confirmed = confirmedFromEntry(local, entry)
		}
		if err := e.db.AckJob(entry.EntityID, confirmed, d.Version, entry.MutationID); err != nil {
			return d.Outcome, d.Reason, err
		}
	case resolve.Superseded:
		if err := e.adoptSuperseding(d.Remote); err != nil {
			return d.Outcome, d.Reason, err
		}
	case resolve.Rejected:
		if err := e.db.RollbackJob(entry.EntityID, entry.MutationID); err != nil {
			return d.Outcome, d.Reason, err
		}
	}
	return d.Outcome, d.Reason, nil
}

// confirmedFromEntry derives the state an accepted mutation established from
// the entry's own payload. Unknown kinds and malformed payloads fall back to
// the displayed state.
func confirmedFromEntry(local *store.Job, entry *store.QueueEntry) *store.Job {
	confirmed := *local
	switch entry.Kind {
	case transport.KindCancelJob:
		var p transport.CancelJobPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			confirmed.Status = job.Cancelled
			confirmed.CancelReason = p.Reason
			confirmed.CompletionEmail = ""
		}
	case transport.KindCompleteJob:
		var p transport.CompleteJobPayload
		if json.Unmarshal(entry.Payload, &p) == nil {
			confirmed.Status = job.Completed
			confirmed.CompletionEmail = p.ConfirmationEmail
		}
	}
	return &confirmed
}

func (e *Engine) settleMessage(entry *store.QueueEntry, res *transport.SubmitResult) (resolve.Outcome, string, error) {
	var p transport.SendMessagePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		e.logger.Error("bad send_message payload", zap.Error(err), zap.String("mutation_id", entry.MutationID))
		return resolve.Rejected, "malformed payload", nil
	}

	if !res.Accepted {
		if err := e.db.FailMessage(p.ConversationID, p.ClientID); err != nil {
			return resolve.Rejected, res.Reason, err
		}
		return resolve.Rejected, res.Reason, nil
	}

	ack := res.Message
	if ack == nil {
		return resolve.Rejected, "accept without canonical identity", nil
	}
	changed, err := e.db.ConfirmMessage(p.ConversationID, p.ClientID, ack.ServerID, ack.ServerTS, ack.ServerSeq)
	if err != nil {
		return resolve.Applied, "", err
	}
	if !changed {
		// Duplicate delivery detected via idempotency key; already applied.
		return resolve.Ignore, "duplicate confirmation", nil
	}
	return resolve.Applied, "", nil
}

// pull ingests remote-origin updates from the persisted cursor onward.
func (e *Engine) pull(ctx context.Context) {
	cursor, err := e.db.Checkpoint(PushCursorKey)
	if err != nil {
		e.logger.Error("checkpoint read failed", zap.Error(err))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PullTimeout)
	defer cancel()
	events, next, err := e.authority.Pull(pctx, cursor)
	if err != nil {
		if !fault.Retryable(err) && !fault.Is(err, fault.Unauthenticated) {
			e.logger.Error("push feed failed", zap.Error(err))
		}
		return
	}

	for i := range events {
		e.applyPush(&events[i])
	}
	if next != "" && next != cursor {
		if err := e.db.SetCheckpoint(PushCursorKey, next); err != nil {
			e.logger.Error("checkpoint write failed", zap.Error(err))
		}
	}
}

func (e *Engine) applyPush(evt *transport.PushEvent) {
	switch {
	case evt.Job != nil:
		remote := resolve.JobFromState(evt.Job)
		local, err := e.db.GetJob(remote.ID)
		if err != nil {
			// Quarantined; leave the record out of sync entirely.
			return
		}
		d := resolve.RemoteJob(local, remote)
		switch d.Outcome {
		case resolve.Adopt:
			if err := e.db.UpsertRemoteJob(d.Remote); err != nil {
				e.logger.Error("adopt remote job failed", zap.Error(err), zap.String("job_id", remote.ID))
			}
		case resolve.Superseded:
			if err := e.adoptSuperseding(d.Remote); err != nil {
				e.logger.Error("adopt superseding state failed", zap.Error(err), zap.String("job_id", remote.ID))
			}
		case resolve.Rebase:
			if err := e.db.RebaseJob(d.Remote); err != nil {
				e.logger.Error("rebase job failed", zap.Error(err), zap.String("job_id", remote.ID))
			}
		case resolve.Ignore:
		}

	case evt.Message != nil:
		m := evt.Message
		err := e.db.UpsertRemoteMessage(&store.Message{
			ConversationID: m.ConversationID,
			ClientID:       m.ClientID,
			ServerID:       m.ServerID,
			SenderID:       m.SenderID,
			Body:           m.Body,
			MsgType:        m.MsgType,
			ServerTS:       m.ServerTS,
			ServerSeq:      m.ServerSeq,
		})
		if err != nil {
			e.logger.Error("ingest remote message failed", zap.Error(err), zap.String("server_id", m.ServerID))
		}
	}
}

// adoptSuperseding installs a remote state that made local intents moot and
// cancels any still-pending mutations for the job, surfacing each as
// superseded.
func (e *Engine) adoptSuperseding(remote *store.Job) error {
	if err := e.db.UpsertRemoteJob(remote); err != nil {
		return err
	}
	ids, err := e.db.CancelPendingForEntity(store.EntityJob, remote.ID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.publishSettled(id, remote.ID, resolve.Superseded, "superseded by remote update")
	}
	return nil
}

func (e *Engine) publishSettled(mutationID, entityID string, outcome resolve.Outcome, reason string) {
	e.bus.Publish(bus.Event{
		Kind: "mutation.settled",
		Payload: map[string]string{
			"mutation_id": mutationID,
			"entity_id":   entityID,
			"outcome":     string(outcome),
			"reason":      reason,
		},
	})
}

// backoff returns a full-jitter exponential delay for the given prior attempt
// count: uniform in [0, min(cap, base * 2^attempts)).
func (e *Engine) backoff(attempts int) time.Duration {
	ceiling := e.cfg.BackoffCap
	if attempts < 30 {
		if exp := e.cfg.BackoffBase << uint(attempts); exp < ceiling {
			ceiling = exp
		}
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("status transition skipped", zap.Error(err))
	}
}
