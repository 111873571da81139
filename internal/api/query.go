package api

import (
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/store"
)

// QueryService serves read snapshots from the local store. Reads never touch
// the network; whatever the store holds right now is the answer.
type QueryService struct {
	db       *store.DB
	bus      *bus.Bus
	workerID string
}

// NewQueryService creates a query service reading as workerID.
func NewQueryService(db *store.DB, b *bus.Bus, workerID string) *QueryService {
	return &QueryService{db: db, bus: b, workerID: workerID}
}

// Job returns one job, nil when unknown.
func (s *QueryService) Job(id string) (*store.Job, error) {
	return s.db.GetJob(id)
}

// Jobs returns all non-quarantined jobs.
func (s *QueryService) Jobs() ([]store.Job, error) {
	return s.db.ListJobs()
}

// Conversation returns one conversation with its derived unread count and
// last message, nil when unknown.
func (s *QueryService) Conversation(id string) (*store.ConversationView, error) {
	return s.db.GetConversation(id, s.workerID)
}

// Conversations returns all conversations with derived fields.
func (s *QueryService) Conversations() ([]store.ConversationView, error) {
	return s.db.ListConversations(s.workerID)
}

// Messages returns up to limit messages of a conversation in display order.
func (s *QueryService) Messages(conversationID string, limit int) ([]store.Message, error) {
	return s.db.ListMessages(conversationID, limit)
}

// Search runs a full-text query over message bodies, optionally scoped to one
// conversation.
func (s *QueryService) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return s.db.SearchMessages(query, conversationID, limit)
}

// PendingMutations returns queue entries not yet settled, oldest first.
func (s *QueryService) PendingMutations() ([]store.QueueEntry, error) {
	return s.db.PendingEntries()
}

// Watch subscribes to change events under the given kind prefix ("" for all).
// The UI re-queries on each event; payloads identify what changed, snapshots
// come from the query methods. Callers must call the returned unsubscribe.
func (s *QueryService) Watch(prefix string, buffer int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(prefix, buffer)
}
