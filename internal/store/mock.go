package store

import (
	"github.com/stretchr/testify/mock"
)

type MockMessagingRepository struct {
	mock.Mock
}

func (m *MockMessagingRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockMessagingRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockMessagingRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockMessagingRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	args := m.Called(conversationId)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessagingRepository) ListConversations(userId int) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockMessagingRepository) IsParticipant(userId, conversationId int) bool {
	args := m.Called(userId, conversationId)
	return args.Bool(0)
}
func (m *MockMessagingRepository) CreateMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockMessagingRepository) GetMessage(messageId int) (Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockMessagingRepository) GetMessages(conversationId, before, limit int) ([]Message, error) {
	args := m.Called(conversationId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockMessagingRepository) AddReaction(messageId, userId int, emoji string) error {
	args := m.Called(messageId, userId, emoji)
	return args.Error(0)
}
func (m *MockMessagingRepository) RemoveReaction(messageId, userId int, emoji string) error {
	args := m.Called(messageId, userId, emoji)
	return args.Error(0)
}
func (m *MockMessagingRepository) ListReactions(messageId int) ([]Reaction, error) {
	args := m.Called(messageId)
	return args.Get(0).([]Reaction), args.Error(1)
}
func (m *MockMessagingRepository) UpdateReadCursor(userId, conversationId, messageId int) error {
	args := m.Called(userId, conversationId, messageId)
	return args.Error(0)
}
func (m *MockMessagingRepository) ListReadCursors(conversationId int) ([]ReadCursor, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]ReadCursor), args.Error(1)
}
