package store

import (
	"strings"

	"github.com/matheus3301/fieldsync/internal/job"
	"github.com/matheus3301/fieldsync/internal/sequence"
)

// Job is the durable representation of an assigned job. The status columns
// come in two sets: the displayed (possibly optimistic) state, and the shadow
// of the last state the remote authority confirmed. While a local mutation is
// unacknowledged the record is dirty and the two sets may differ; rollback
// restores the shadow.
type Job struct {
	ID       string
	Title    string
	WorkerID string

	Status          job.Status
	CancelReason    string
	CompletionEmail string

	RemoteStatus          job.Status
	RemoteCancelReason    string
	RemoteCompletionEmail string

	Version     int64 // last confirmed authoritative version
	Dirty       bool
	Quarantined bool
	UpdatedAt   int64
}

// Message delivery states.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Message is the durable representation of a chat message. ClientID is the
// locally generated idempotency key; ServerID and the canonical key columns
// are empty until the authority confirms the message.
type Message struct {
	ID             int64
	ConversationID string
	ClientID       string
	ServerID       string
	SenderID       string
	Body           string
	MsgType        string // text, image, file
	Delivery       string
	SenderCounter  int64 // provisional key counter
	ServerTS       int64
	ServerSeq      int64
	Read           bool
	CreatedAt      int64
}

// Canonical returns the authority-assigned sequence key (zero until
// confirmed).
func (m *Message) Canonical() sequence.Canonical {
	return sequence.Canonical{Timestamp: m.ServerTS, Seq: m.ServerSeq}
}

// Provisional returns the client-assigned sequence key.
func (m *Message) Provisional() sequence.Provisional {
	return sequence.Provisional{Sender: m.SenderID, Counter: m.SenderCounter}
}

// Confirmed reports whether the authority has assigned a canonical id.
func (m *Message) Confirmed() bool {
	return m.ServerID != ""
}

// Conversation groups messages, optionally tied to a job. Unread count and
// last message are derived at read time, never stored.
type Conversation struct {
	ID           string
	JobID        string
	Participants []string
	CreatedAt    int64
}

// ConversationView is a conversation plus its derived read-side fields.
type ConversationView struct {
	Conversation
	UnreadCount int
	LastBody    string
	LastAt      int64
}

// Queue entry states.
const (
	EntryPending   = "pending"
	EntryInflight  = "inflight"
	EntryDone      = "done"
	EntryCancelled = "cancelled"
)

// Entity types targeted by mutations.
const (
	EntityJob     = "job"
	EntityMessage = "message"
)

// QueueEntry is a pending local mutation awaiting confirmation by the remote
// authority. MutationID doubles as the idempotency key; the autoincrement ID
// fixes creation order for FIFO draining.
type QueueEntry struct {
	ID         int64
	MutationID string
	Kind       string
	EntityType string
	EntityID   string
	Payload    []byte
	Attempts   int
	NextRetry  int64
	Status     string
	LastError  string
	CreatedAt  int64
}

func joinParticipants(ids []string) string {
	return strings.Join(ids, ",")
}

func splitParticipants(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
