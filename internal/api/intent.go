// Package api is the in-process boundary the UI talks to. IntentService
// validates and records local intents; QueryService reads snapshots and
// exposes change notifications. Everything behind it is owned by the store
// and the sync engine.
package api

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/matheus3301/fieldsync/internal/fault"
	"github.com/matheus3301/fieldsync/internal/job"
	"github.com/matheus3301/fieldsync/internal/store"
	"github.com/matheus3301/fieldsync/internal/transport"
	"go.uber.org/zap"
)

// IntentService records local intents: validate against the lifecycle,
// apply optimistically, enqueue for sync. Validation failures surface
// synchronously and leave no trace; everything accepted here is visible in
// queries immediately and durable across restarts.
type IntentService struct {
	db       *store.DB
	workerID string
	logger   *zap.Logger
}

// NewIntentService creates an intent service acting as workerID.
func NewIntentService(db *store.DB, workerID string, logger *zap.Logger) *IntentService {
	return &IntentService{db: db, workerID: workerID, logger: logger}
}

// CancelJob records a cancellation intent and returns the mutation id.
// Validation runs inside the intent transaction against the row as it is at
// commit time, so a concurrent settlement cannot slip a stale transition in.
func (s *IntentService) CancelJob(jobID, reason string) (string, error) {
	mutationID := uuid.NewString()
	entry := &store.QueueEntry{
		MutationID: mutationID,
		Kind:       transport.KindCancelJob,
		EntityType: store.EntityJob,
		EntityID:   jobID,
	}
	err := s.db.ApplyJobIntent(&store.Job{ID: jobID, Status: job.Cancelled, CancelReason: reason}, entry,
		func(current *store.Job) error {
			if err := job.CheckCancel(current.Status, reason); err != nil {
				return err
			}
			payload, err := json.Marshal(transport.CancelJobPayload{
				JobID:       jobID,
				Reason:      reason,
				BaseVersion: current.Version,
			})
			if err != nil {
				return err
			}
			entry.Payload = payload
			return nil
		})
	if err != nil {
		return "", err
	}
	s.logger.Info("cancel intent recorded", zap.String("job_id", jobID), zap.String("mutation_id", mutationID))
	return mutationID, nil
}

// CompleteJob records a completion intent and returns the mutation id.
func (s *IntentService) CompleteJob(jobID, confirmationEmail string) (string, error) {
	mutationID := uuid.NewString()
	entry := &store.QueueEntry{
		MutationID: mutationID,
		Kind:       transport.KindCompleteJob,
		EntityType: store.EntityJob,
		EntityID:   jobID,
	}
	err := s.db.ApplyJobIntent(&store.Job{ID: jobID, Status: job.Completed, CompletionEmail: confirmationEmail}, entry,
		func(current *store.Job) error {
			if err := job.CheckComplete(current.Status, confirmationEmail); err != nil {
				return err
			}
			payload, err := json.Marshal(transport.CompleteJobPayload{
				JobID:             jobID,
				ConfirmationEmail: confirmationEmail,
				BaseVersion:       current.Version,
			})
			if err != nil {
				return err
			}
			entry.Payload = payload
			return nil
		})
	if err != nil {
		return "", err
	}
	s.logger.Info("complete intent recorded", zap.String("job_id", jobID), zap.String("mutation_id", mutationID))
	return mutationID, nil
}

// SendMessage appends an outgoing message to the conversation and queues it
// for delivery. It returns the client-generated message id the UI can track
// the delivery state under.
func (s *IntentService) SendMessage(conversationID, body, msgType string) (string, error) {
	if body == "" {
		return "", fault.New(fault.Rejected, "empty message body")
	}
	if msgType == "" {
		msgType = "text"
	}
	conv, err := s.db.GetConversation(conversationID, s.workerID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", fault.Newf(fault.Rejected, "unknown conversation %s", conversationID)
	}

	counter, err := s.db.NextSenderCounter(conversationID, s.workerID)
	if err != nil {
		return "", err
	}
	clientID := uuid.NewString()
	payload, err := json.Marshal(transport.SendMessagePayload{
		ConversationID: conversationID,
		ClientID:       clientID,
		SenderID:       s.workerID,
		Body:           body,
		MsgType:        msgType,
		Counter:        counter,
	})
	if err != nil {
		return "", err
	}

	err = s.db.AppendLocalMessage(&store.Message{
		ConversationID: conversationID,
		ClientID:       clientID,
		SenderID:       s.workerID,
		Body:           body,
		MsgType:        msgType,
		SenderCounter:  counter,
	}, &store.QueueEntry{
		MutationID: uuid.NewString(),
		Kind:       transport.KindSendMessage,
		EntityType: store.EntityMessage,
		EntityID:   conversationID,
		Payload:    payload,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// RetryMessage requeues a failed message for delivery under the same client
// id, so a late duplicate of the original attempt still deduplicates.
func (s *IntentService) RetryMessage(conversationID, clientID string) error {
	m, err := s.db.GetMessage(conversationID, clientID)
	if err != nil {
		return err
	}
	if m == nil {
		return fault.Newf(fault.Rejected, "unknown message %s", clientID)
	}
	if m.Delivery != store.DeliveryFailed {
		return fault.Newf(fault.Rejected, "message %s is not failed", clientID)
	}

	payload, err := json.Marshal(transport.SendMessagePayload{
		ConversationID: conversationID,
		ClientID:       clientID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		MsgType:        m.MsgType,
		Counter:        m.SenderCounter,
	})
	if err != nil {
		return err
	}
	return s.db.RequeueMessage(conversationID, clientID, &store.QueueEntry{
		MutationID: uuid.NewString(),
		Kind:       transport.KindSendMessage,
		EntityType: store.EntityMessage,
		EntityID:   conversationID,
		Payload:    payload,
	})
}

// CancelMutation withdraws a still-pending mutation and undoes its optimistic
// effect. In-flight and settled mutations cannot be withdrawn.
func (s *IntentService) CancelMutation(mutationID string) error {
	entry, err := s.db.Entry(mutationID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fault.Newf(fault.Rejected, "unknown mutation %s", mutationID)
	}
	if err := s.db.CancelEntry(mutationID); err != nil {
		return err
	}

	switch entry.EntityType {
	case store.EntityJob:
		return s.db.RollbackJob(entry.EntityID, mutationID)
	case store.EntityMessage:
		var p transport.SendMessagePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return s.db.FailMessage(p.ConversationID, p.ClientID)
	}
	return nil
}

// MarkRead marks all messages in the conversation as read by this worker.
func (s *IntentService) MarkRead(conversationID string) error {
	return s.db.MarkConversationRead(conversationID, s.workerID)
}
