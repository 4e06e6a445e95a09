package types

import (
	"time"
)

type User struct {
	Id          int       `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type Conversation struct {
	Id           int       `json:"id"`
	ExternalId   string    `json:"external_id"`
	Title        string    `json:"title,omitempty"`
	Participants []User    `json:"participants,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	Id             int       `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       int       `json:"sender_id"`
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type,omitempty"`
	AttachmentUrl  string    `json:"attachment_url,omitempty"`
	ReplyToId      int       `json:"reply_to_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Reactions      Reactions `json:"reactions,omitempty"`
}

// ReactionGroup is the aggregate view of a single emoji on a message.
// Count always equals the number of entries in UserIds.
type ReactionGroup struct {
	Count   int   `json:"count"`
	UserIds []int `json:"user_ids"`
}

type Reactions map[string]ReactionGroup

type ReadCursor struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
	MessageId      int    `json:"message_id"`
}
