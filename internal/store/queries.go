package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (db *PgMessagingRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		"INSERT INTO conversations (external_id, title, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, external_id, title, created_at, updated_at",
		params.ExternalId,
		params.Title,
		time.Now().UTC(),
	)

	var conv Conversation
	if err := row.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return Conversation{}, err
	}

	for _, userId := range params.ParticipantIds {
		if _, err := tx.Exec(
			"INSERT INTO participants (conversation_id, user_id, created_at) "+
				"VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
			conv.Id,
			userId,
			time.Now().UTC(),
		); err != nil {
			return Conversation{}, fmt.Errorf("insert participant %d: %w", userId, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit: %w", err)
	}

	return conv, nil
}

func (db *PgMessagingRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, title, created_at, updated_at FROM conversations "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	return conv, err
}

func (db *PgMessagingRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	query := `
		SELECT
				c.id,
				c.external_id,
				c.title,
				c.created_at,
				c.updated_at,
				p.id,
				p.user_id,
				a.display_name,
				p.last_read_message_id,
				p.created_at
		FROM conversations c
		LEFT JOIN participants p ON c.id = p.conversation_id
		LEFT JOIN accounts a ON p.user_id = a.id
		WHERE c.id = $1;
`

	rows, err := db.conn.Query(query, conversationId)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation with participants: %w", err)
	}
	defer rows.Close()

	var conv *Conversation
	for rows.Next() {
		var (
			id            int
			externalId    string
			title         string
			createdAt     time.Time
			updatedAt     time.Time
			partId        sql.NullInt64
			partUserId    sql.NullInt64
			displayName   sql.NullString
			lastReadMsgId sql.NullInt64
			partCreatedAt sql.NullTime
		)

		if err := rows.Scan(
			&id,
			&externalId,
			&title,
			&createdAt,
			&updatedAt,
			&partId,
			&partUserId,
			&displayName,
			&lastReadMsgId,
			&partCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}

		if conv == nil {
			conv = &Conversation{
				Id:         id,
				ExternalId: externalId,
				Title:      title,
				CreatedAt:  createdAt,
				UpdatedAt:  updatedAt,
			}
		}

		if partId.Valid {
			conv.Participants = append(conv.Participants, Participant{
				Id:             int(partId.Int64),
				UserId:         int(partUserId.Int64),
				DisplayName:    displayName.String,
				ConversationId: id,
				LastReadMsgId:  int(lastReadMsgId.Int64),
				CreatedAt:      partCreatedAt.Time,
			})
		}
	}

	if conv == nil {
		return nil, sql.ErrNoRows
	}

	return conv, rows.Err()
}

func (db *PgMessagingRepository) ListConversations(userId int) ([]Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT c.id, c.external_id, c.title, c.created_at, c.updated_at "+
			"FROM conversations c JOIN participants p ON c.id = p.conversation_id "+
			"WHERE p.user_id = $1 ORDER BY c.updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(
			&conv.Id,
			&conv.ExternalId,
			&conv.Title,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

func (db *PgMessagingRepository) IsParticipant(userId, conversationId int) bool {
	row := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM participants WHERE user_id = $1 AND conversation_id = $2)",
		userId,
		conversationId,
	)

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false
	}

	return exists
}

func (db *PgMessagingRepository) CreateMessage(msg Message) (Message, error) {
	row := db.conn.QueryRow(
		"INSERT INTO messages (conversation_id, sender_id, content, content_type, attachment_url, reply_to_id, created_at) "+
			"VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0), $7) "+
			"RETURNING id, created_at",
		msg.ConversationId,
		msg.SenderId,
		msg.Content,
		msg.ContentType,
		msg.AttachmentUrl,
		msg.ReplyToId,
		time.Now().UTC(),
	)

	err := row.Scan(&msg.Id, &msg.CreatedAt)
	return msg, err
}

func (db *PgMessagingRepository) GetMessage(messageId int) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, conversation_id, sender_id, content, COALESCE(content_type, ''), "+
			"COALESCE(attachment_url, ''), COALESCE(reply_to_id, 0), created_at "+
			"FROM messages WHERE id = $1 LIMIT 1",
		messageId,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.Content,
		&msg.ContentType,
		&msg.AttachmentUrl,
		&msg.ReplyToId,
		&msg.CreatedAt,
	)

	return msg, err
}

func (db *PgMessagingRepository) GetMessages(conversationId, before, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, conversation_id, sender_id, content, COALESCE(content_type, ''), " +
		"COALESCE(attachment_url, ''), COALESCE(reply_to_id, 0), created_at " +
		"FROM messages WHERE conversation_id = $1"
	args := []any{conversationId}

	if before > 0 {
		query += " AND id < $2 ORDER BY id DESC LIMIT $3"
		args = append(args, before, limit)
	} else {
		query += " ORDER BY id DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.SenderId,
			&msg.Content,
			&msg.ContentType,
			&msg.AttachmentUrl,
			&msg.ReplyToId,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgMessagingRepository) AddReaction(messageId, userId int, emoji string) error {
	// UNIQUE(message_id, user_id, emoji) makes re-adding a no-op.
	_, err := db.conn.Exec(
		"INSERT INTO reactions (message_id, user_id, emoji, created_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, user_id, emoji) DO NOTHING",
		messageId,
		userId,
		emoji,
		time.Now().UTC(),
	)

	return err
}

func (db *PgMessagingRepository) RemoveReaction(messageId, userId int, emoji string) error {
	_, err := db.conn.Exec(
		"DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
		messageId,
		userId,
		emoji,
	)

	return err
}

func (db *PgMessagingRepository) ListReactions(messageId int) ([]Reaction, error) {
	rows, err := db.conn.Query(
		"SELECT id, message_id, user_id, emoji, created_at FROM reactions "+
			"WHERE message_id = $1 ORDER BY id",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(
			&r.Id,
			&r.MessageId,
			&r.UserId,
			&r.Emoji,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}

	return reactions, rows.Err()
}

func (db *PgMessagingRepository) UpdateReadCursor(userId, conversationId, messageId int) error {
	// GREATEST keeps the cursor monotonic even if receipts arrive out of order.
	_, err := db.conn.Exec(
		"UPDATE participants SET last_read_message_id = GREATEST(COALESCE(last_read_message_id, 0), $3) "+
			"WHERE user_id = $1 AND conversation_id = $2",
		userId,
		conversationId,
		messageId,
	)

	return err
}

func (db *PgMessagingRepository) ListReadCursors(conversationId int) ([]ReadCursor, error) {
	rows, err := db.conn.Query(
		"SELECT user_id, conversation_id, COALESCE(last_read_message_id, 0) FROM participants "+
			"WHERE conversation_id = $1",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []ReadCursor
	for rows.Next() {
		var c ReadCursor
		if err := rows.Scan(&c.UserId, &c.ConversationId, &c.MessageId); err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}

	return cursors, rows.Err()
}
