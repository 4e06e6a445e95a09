// Package protocol defines the {type, payload} envelope exchanged over the
// persistent connection and the typed events it carries. Decoding is total:
// malformed input yields an error for the caller to log and drop, never a
// panic, and unrecognized types decode into Unknown so newer peers can speak
// to older ones.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/learnloop/messaging/internal/types"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server envelope types.
const (
	TypeJoinConversation = "join_conversation"
	TypeSendMessage      = "send_message"
	TypeMessageRead      = "message_read"
	TypeTyping           = "typing"
	TypeAddReaction      = "add_reaction"
	TypeRemoveReaction   = "remove_reaction"
	TypePing             = "ping"
)

// Server to client envelope types.
const (
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeNewMessage            = "new_message"
	TypeConversationJoined    = "conversation_joined"
	TypePresenceUpdate        = "presence_update"
	TypeReactionUpdate        = "reaction_update"
	TypeTypingUpdate          = "typing_update"
	TypeReadUpdate            = "read_update"
)

type ClientEvent interface {
	ClientEventType() string
}

type JoinConversation struct {
	ConversationId string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type,omitempty"`
	AttachmentUrl  string `json:"attachment_url,omitempty"`
	ReplyToId      int    `json:"reply_to_id,omitempty"`
}

type MessageRead struct {
	ConversationId string `json:"conversation_id"`
	MessageId      int    `json:"message_id"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type AddReaction struct {
	MessageId int    `json:"message_id"`
	Reaction  string `json:"reaction"`
}

type RemoveReaction struct {
	MessageId int    `json:"message_id"`
	Reaction  string `json:"reaction"`
}

type Ping struct{}

// Unknown carries any envelope whose type is not part of the client
// vocabulary. It is routed to a generic handler rather than rejected.
type Unknown struct {
	Type    string
	Payload json.RawMessage
}

func (JoinConversation) ClientEventType() string { return TypeJoinConversation }
func (SendMessage) ClientEventType() string      { return TypeSendMessage }
func (MessageRead) ClientEventType() string      { return TypeMessageRead }
func (Typing) ClientEventType() string           { return TypeTyping }
func (AddReaction) ClientEventType() string      { return TypeAddReaction }
func (RemoveReaction) ClientEventType() string   { return TypeRemoveReaction }
func (Ping) ClientEventType() string             { return TypePing }
func (u Unknown) ClientEventType() string        { return u.Type }

// DecodeClientEvent parses a raw frame into one of the client event
// variants. An envelope without a type, or with an unparsable payload, is
// reported as an error for the connection to drop.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}

	payload := env.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	var (
		ev  ClientEvent
		err error
	)
	switch env.Type {
	case TypeJoinConversation:
		var e JoinConversation
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeSendMessage:
		var e SendMessage
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeMessageRead:
		var e MessageRead
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeTyping:
		var e Typing
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeAddReaction:
		var e AddReaction
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeRemoveReaction:
		var e RemoveReaction
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypePing:
		ev = Ping{}
	default:
		ev = Unknown{Type: env.Type, Payload: env.Payload}
	}

	if err != nil {
		return nil, fmt.Errorf("decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}

// EncodeClientEvent wraps a client event in its envelope.
func EncodeClientEvent(ev ClientEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", ev.ClientEventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.ClientEventType(), Payload: payload})
}

type ServerEvent interface {
	EventType() string
}

type ConnectionEstablished struct {
	UserId int `json:"user_id"`
}

type Pong struct{}

type Error struct {
	Message string `json:"message"`
}

type NewMessage struct {
	Message types.Message `json:"message"`
}

type ConversationJoined struct {
	ConversationId string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
	TypingUserIds  []int           `json:"typing_user_ids"`
}

type PresenceUpdate struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
	Present        bool   `json:"present"`
}

type ReactionUpdate struct {
	MessageId int             `json:"message_id"`
	Reactions types.Reactions `json:"reactions"`
}

type TypingUpdate struct {
	ConversationId string `json:"conversation_id"`
	TypingUserIds  []int  `json:"typing_user_ids"`
}

type ReadUpdate struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
	MessageId      int    `json:"message_id"`
}

// UnknownServer carries a server envelope the client does not recognize.
type UnknownServer struct {
	Type    string
	Payload json.RawMessage
}

func (ConnectionEstablished) EventType() string { return TypeConnectionEstablished }
func (Pong) EventType() string                  { return TypePong }
func (Error) EventType() string                 { return TypeError }
func (NewMessage) EventType() string            { return TypeNewMessage }
func (ConversationJoined) EventType() string    { return TypeConversationJoined }
func (PresenceUpdate) EventType() string        { return TypePresenceUpdate }
func (ReactionUpdate) EventType() string        { return TypeReactionUpdate }
func (TypingUpdate) EventType() string          { return TypeTypingUpdate }
func (ReadUpdate) EventType() string            { return TypeReadUpdate }
func (u UnknownServer) EventType() string       { return u.Type }

func EncodeServerEvent(ev ServerEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Payload: payload})
}

// DecodeServerEvent parses a raw frame into a server event variant.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}

	payload := env.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	var (
		ev  ServerEvent
		err error
	)
	switch env.Type {
	case TypeConnectionEstablished:
		var e ConnectionEstablished
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypePong:
		ev = Pong{}
	case TypeError:
		var e Error
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeNewMessage:
		var e NewMessage
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeConversationJoined:
		var e ConversationJoined
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypePresenceUpdate:
		var e PresenceUpdate
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeReactionUpdate:
		var e ReactionUpdate
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeTypingUpdate:
		var e TypingUpdate
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeReadUpdate:
		var e ReadUpdate
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		ev = UnknownServer{Type: env.Type, Payload: env.Payload}
	}

	if err != nil {
		return nil, fmt.Errorf("decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}
