package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, job_id, participants, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_id = excluded.job_id,
			participants = excluded.participants`,
		c.ID, c.JobID, joinParticipants(c.Participants), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns a conversation with its derived fields: the unread
// count (peer messages not yet read) and the last message in display order.
// Derived means exactly that — both are recomputed per read, so replayed or
// deduplicated messages can never skew them.
func (db *DB) GetConversation(id, selfID string) (*ConversationView, error) {
	var v ConversationView
	var participants string
	err := db.QueryRow(`
		SELECT c.id, c.job_id, c.participants, c.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_id != ? AND m.read = 0) AS unread
		FROM conversations c
		WHERE c.id = ?`, selfID, id).
		Scan(&v.ID, &v.JobID, &participants, &v.CreatedAt, &v.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Participants = splitParticipants(participants)

	err = db.QueryRow(`
		SELECT body, CASE WHEN server_ts > 0 THEN server_ts ELSE created_at END
		FROM messages
		WHERE conversation_id = ?
		ORDER BY CASE WHEN server_id = '' THEN 1 ELSE 0 END DESC,
			server_ts DESC, server_seq DESC, sender_counter DESC, id DESC
		LIMIT 1`, id).Scan(&v.LastBody, &v.LastAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return &v, nil
}

// ListConversations returns all conversations with derived fields, most
// recent activity first.
func (db *DB) ListConversations(selfID string) ([]ConversationView, error) {
	rows, err := db.Query(`
		SELECT c.id, c.job_id, c.participants, c.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_id != ? AND m.read = 0) AS unread,
			COALESCE((SELECT MAX(CASE WHEN server_ts > 0 THEN server_ts ELSE created_at END)
			 FROM messages m WHERE m.conversation_id = c.id), 0) AS last_at
		FROM conversations c
		ORDER BY last_at DESC`, selfID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var views []ConversationView
	for rows.Next() {
		var v ConversationView
		var participants string
		if err := rows.Scan(&v.ID, &v.JobID, &participants, &v.CreatedAt, &v.UnreadCount, &v.LastAt); err != nil {
			return nil, err
		}
		v.Participants = splitParticipants(participants)
		views = append(views, v)
	}
	return views, rows.Err()
}
