package store

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// SearchMessages performs a full-text search on message bodies. The FTS5
// virtual table behind it needs a binary built with -tags sqlite_fts5;
// without the tag the messages_fts migration fails at startup with
// "no such module: fts5".
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.client_id, m.server_id, m.sender_id, m.body,
		       m.msg_type, m.delivery, m.sender_counter, m.server_ts, m.server_seq,
		       m.read, m.created_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.ClientID,
			&r.Message.ServerID, &r.Message.SenderID, &r.Message.Body,
			&r.Message.MsgType, &r.Message.Delivery, &r.Message.SenderCounter,
			&r.Message.ServerTS, &r.Message.ServerSeq, &r.Message.Read,
			&r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
