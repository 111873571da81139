// Package transport defines the boundary to the remote authority. The sync
// engine consumes these interfaces; internal/remote provides the HTTP
// implementation and tests provide fakes.
package transport

import (
	"context"
	"encoding/json"
)

// Mutation kinds.
const (
	KindCancelJob   = "cancel_job"
	KindCompleteJob = "complete_job"
	KindSendMessage = "send_message"
)

// Mutation is a queued local change submitted to the authority. ID is the
// client-generated idempotency key: submitting the same mutation twice has
// effect at most once.
type Mutation struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
}

// CancelJobPayload is the payload for cancel_job mutations.
type CancelJobPayload struct {
	JobID       string `json:"job_id"`
	Reason      string `json:"reason"`
	BaseVersion int64  `json:"base_version"`
}

// CompleteJobPayload is the payload for complete_job mutations.
type CompleteJobPayload struct {
	JobID             string `json:"job_id"`
	ConfirmationEmail string `json:"confirmation_email"`
	BaseVersion       int64  `json:"base_version"`
}

// SendMessagePayload is the payload for send_message mutations.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	MsgType        string `json:"msg_type"`
	Counter        int64  `json:"counter"`
}

// JobState is the authority's view of a job.
type JobState struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	WorkerID        string `json:"worker_id"`
	Status          string `json:"status"`
	CancelReason    string `json:"cancel_reason"`
	CompletionEmail string `json:"completion_email"`
	Version         int64  `json:"version"`
}

// MessageAck is the canonical identity the authority assigned to a sent
// message.
type MessageAck struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	ServerID       string `json:"server_id"`
	ServerTS       int64  `json:"server_ts"`
	ServerSeq      int64  `json:"server_seq"`
}

// SubmitResult is the authority's verdict on a mutation: accepted with the
// new entity state, or rejected with a reason. A rejection may carry the
// current authoritative job state, which lets the resolver distinguish
// Superseded from a plain business rejection.
type SubmitResult struct {
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
	Job      *JobState   `json:"job,omitempty"`
	Message  *MessageAck `json:"message,omitempty"`
}

// PushMessage is a remote-origin chat message.
type PushMessage struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id,omitempty"`
	ServerID       string `json:"server_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	MsgType        string `json:"msg_type"`
	ServerTS       int64  `json:"server_ts"`
	ServerSeq      int64  `json:"server_seq"`
}

// PushEvent is one remote-origin update: a dispatcher-issued job change or a
// peer message. Delivery is at least once; duplicates are expected and
// absorbed by version/idempotency checks downstream.
type PushEvent struct {
	Job     *JobState    `json:"job,omitempty"`
	Message *PushMessage `json:"message,omitempty"`
}

// Authority is the remote endpoint the engine drains against.
type Authority interface {
	// Submit sends one mutation. A returned error is classified per
	// internal/fault; a non-nil result means the authority answered.
	Submit(ctx context.Context, m Mutation) (*SubmitResult, error)

	// Pull long-polls the push feed from cursor, returning events and the
	// next cursor to persist.
	Pull(ctx context.Context, cursor string) ([]PushEvent, string, error)
}

// TokenSource supplies the credential for transport calls. Absence suspends
// draining until a token is available again.
type TokenSource interface {
	CurrentToken() (string, bool)
}
