package store

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, client_id, server_id, sender_id, body,
	msg_type, delivery, sender_counter, server_ts, server_seq, read, created_at`

// displayOrder sorts confirmed messages by canonical key first, then pending
// local messages by their provisional counter. Network arrival order never
// influences it.
const displayOrder = `ORDER BY CASE WHEN server_id = '' THEN 1 ELSE 0 END,
	server_ts, server_seq, sender_counter, id`

// NextSenderCounter atomically increments and returns the per-sender,
// per-conversation send counter. The counter is persisted and never resets,
// so provisional keys stay monotonic across restarts.
func (db *DB) NextSenderCounter(conversationID, senderID string) (int64, error) {
	var counter int64
	err := db.Transact(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO send_counters (conversation_id, sender_id, counter)
			VALUES (?, ?, 1)
			ON CONFLICT(conversation_id, sender_id) DO UPDATE SET counter = counter + 1`,
			conversationID, senderID)
		if err != nil {
			return fmt.Errorf("bump send counter: %w", err)
		}
		return tx.QueryRow(`SELECT counter FROM send_counters WHERE conversation_id = ? AND sender_id = ?`,
			conversationID, senderID).Scan(&counter)
	})
	return counter, err
}

// AppendLocalMessage inserts an outgoing message placeholder and its queue
// entry in one transaction. The message is immediately visible with Pending
// delivery; the caller has already assigned the provisional counter.
func (db *DB) AppendLocalMessage(m *Message, entry *QueueEntry) error {
	now := time.Now().UnixMilli()
	m.Delivery = DeliveryPending
	m.CreatedAt = now
	err := db.Transact(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO messages (conversation_id, client_id, server_id, sender_id, body,
				msg_type, delivery, sender_counter, server_ts, server_seq, read, created_at)
			VALUES (?, ?, '', ?, ?, ?, 'pending', ?, 0, 0, 1, ?)`,
			m.ConversationID, m.ClientID, m.SenderID, m.Body, m.MsgType, m.SenderCounter, now)
		if err != nil {
			return fmt.Errorf("append message %s: %w", m.ClientID, err)
		}
		return insertQueueEntry(tx, entry, now)
	})
	if err != nil {
		return err
	}
	db.publish("message.upserted", map[string]string{"conversation_id": m.ConversationID, "client_id": m.ClientID})
	db.publish("mutation.enqueued", map[string]string{"mutation_id": entry.MutationID})
	return nil
}

// ConfirmMessage replaces a placeholder in place with its canonical identity.
// Returns false when the placeholder was already confirmed: a confirmation
// echoing an applied idempotency key is discarded, never inserted twice.
func (db *DB) ConfirmMessage(conversationID, clientID, serverID string, serverTS, serverSeq int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET server_id = ?, server_ts = ?, server_seq = ?, delivery = 'sent'
		WHERE conversation_id = ? AND client_id = ? AND server_id = ''`,
		serverID, serverTS, serverSeq, conversationID, clientID)
	if err != nil {
		return false, fmt.Errorf("confirm message %s: %w", clientID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	db.publish("message.upserted", map[string]string{"conversation_id": conversationID, "client_id": clientID})
	return true, nil
}

// FailMessage marks an outgoing message as failed; the UI offers a retry.
func (db *DB) FailMessage(conversationID, clientID string) error {
	_, err := db.Exec(`
		UPDATE messages SET delivery = 'failed'
		WHERE conversation_id = ? AND client_id = ? AND server_id = ''`,
		conversationID, clientID)
	if err != nil {
		return fmt.Errorf("fail message %s: %w", clientID, err)
	}
	db.publish("message.upserted", map[string]string{"conversation_id": conversationID, "client_id": clientID})
	return nil
}

// UpsertRemoteMessage applies a remote-origin message. Idempotent on the
// canonical id, and when the remote message is the echo of a local send
// (its client id matches a placeholder) the placeholder is promoted instead
// of a second row appearing.
func (db *DB) UpsertRemoteMessage(m *Message) error {
	if m.ServerID == "" {
		return fmt.Errorf("remote message without server id in %s", m.ConversationID)
	}
	now := time.Now().UnixMilli()
	err := db.Transact(func(tx *sql.Tx) error {
		// A message may arrive before its conversation record; create a
		// stub row that fills in later.
		if _, err := tx.Exec(`INSERT OR IGNORE INTO conversations (id, created_at) VALUES (?, ?)`,
			m.ConversationID, now); err != nil {
			return err
		}
		if m.ClientID != "" {
			res, err := tx.Exec(`
				UPDATE messages SET server_id = ?, server_ts = ?, server_seq = ?, delivery = 'sent'
				WHERE conversation_id = ? AND client_id = ?`,
				m.ServerID, m.ServerTS, m.ServerSeq, m.ConversationID, m.ClientID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}
		}

		var existing int64
		err := tx.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND server_id = ?`,
			m.ConversationID, m.ServerID).Scan(&existing)
		if err == nil {
			// Duplicate push delivery; refresh mutable fields only.
			_, err = tx.Exec(`UPDATE messages SET body = ?, delivery = 'sent' WHERE id = ?`, m.Body, existing)
			return err
		}
		if err != sql.ErrNoRows {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO messages (conversation_id, client_id, server_id, sender_id, body,
				msg_type, delivery, sender_counter, server_ts, server_seq, read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'sent', 0, ?, ?, 0, ?)`,
			m.ConversationID, m.ClientID, m.ServerID, m.SenderID, m.Body, m.MsgType,
			m.ServerTS, m.ServerSeq, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert remote message %s: %w", m.ServerID, err)
	}
	db.publish("message.upserted", map[string]string{"conversation_id": m.ConversationID, "server_id": m.ServerID})
	return nil
}

// GetMessage returns a message by its client id, or nil when absent.
func (db *DB) GetMessage(conversationID, clientID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages WHERE conversation_id = ? AND client_id = ?`,
		conversationID, clientID)
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.ClientID, &m.ServerID, &m.SenderID, &m.Body,
		&m.MsgType, &m.Delivery, &m.SenderCounter, &m.ServerTS, &m.ServerSeq, &m.Read, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RequeueMessage returns a failed message to pending and enqueues a fresh
// mutation for it in one transaction. The message keeps its client id, so the
// authority still sees one idempotency key.
func (db *DB) RequeueMessage(conversationID, clientID string, entry *QueueEntry) error {
	now := time.Now().UnixMilli()
	err := db.Transact(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE messages SET delivery = 'pending'
			WHERE conversation_id = ? AND client_id = ? AND delivery = 'failed'`,
			conversationID, clientID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("requeue message %s: not in failed state", clientID)
		}
		return insertQueueEntry(tx, entry, now)
	})
	if err != nil {
		return err
	}
	db.publish("message.upserted", map[string]string{"conversation_id": conversationID, "client_id": clientID})
	db.publish("mutation.enqueued", map[string]string{"mutation_id": entry.MutationID})
	return nil
}

// ListMessages returns up to limit messages of a conversation in display
// order.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		`+displayOrder+`
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ClientID, &m.ServerID, &m.SenderID, &m.Body,
			&m.MsgType, &m.Delivery, &m.SenderCounter, &m.ServerTS, &m.ServerSeq, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkConversationRead marks every peer message in a conversation as read.
// Unread counts are derived from this flag, never stored.
func (db *DB) MarkConversationRead(conversationID, readerID string) error {
	_, err := db.Exec(`
		UPDATE messages SET read = 1
		WHERE conversation_id = ? AND sender_id != ? AND read = 0`,
		conversationID, readerID)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	db.publish("message.read", map[string]string{"conversation_id": conversationID})
	return nil
}
