// Package store is the durable-store collaborator for the messaging core.
// The protocol layer only depends on MessagingRepository; durability and
// schema management belong to the wider platform.
package store

type MessagingRepository interface {
	Ping() error
	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversationByExternalId(externalId string) (Conversation, error)
	GetConversationWithParticipants(conversationId int) (*Conversation, error)
	ListConversations(userId int) ([]Conversation, error)
	IsParticipant(userId, conversationId int) bool
	CreateMessage(msg Message) (Message, error)
	GetMessage(messageId int) (Message, error)
	GetMessages(conversationId, before, limit int) ([]Message, error)
	AddReaction(messageId, userId int, emoji string) error
	RemoveReaction(messageId, userId int, emoji string) error
	ListReactions(messageId int) ([]Reaction, error)
	UpdateReadCursor(userId, conversationId, messageId int) error
	ListReadCursors(conversationId int) ([]ReadCursor, error)
}
