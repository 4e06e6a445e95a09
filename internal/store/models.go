package store

import "time"

type Conversation struct {
	Id           int
	ExternalId   string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant
}

type Participant struct {
	Id             int
	UserId         int
	DisplayName    string
	ConversationId int
	LastReadMsgId  int
	CreatedAt      time.Time
}

type Message struct {
	Id             int
	ConversationId int
	SenderId       int
	Content        string
	ContentType    string
	AttachmentUrl  string
	ReplyToId      int
	CreatedAt      time.Time
}

type Reaction struct {
	Id        int
	MessageId int
	UserId    int
	Emoji     string
	CreatedAt time.Time
}

type ReadCursor struct {
	UserId         int
	ConversationId int
	MessageId      int
}

type CreateConversationParams struct {
	Title          string
	ExternalId     string
	ParticipantIds []int
}
