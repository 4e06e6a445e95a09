package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/learnloop/messaging/internal/protocol"
	"github.com/learnloop/messaging/internal/server"
	"github.com/learnloop/messaging/internal/store"
	"github.com/learnloop/messaging/internal/types"
	"github.com/teris-io/shortid"
)

type CreateConversationRequest struct {
	Title          string `json:"title"`
	ParticipantIds []int  `json:"participant_ids"`
}

type CreateAnnouncementRequest struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (s *MessagingApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *MessagingApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *MessagingApp) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		s.log.Print("shortid:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participantIds := req.ParticipantIds
	if !slices.Contains(participantIds, userId) {
		participantIds = append(participantIds, userId)
	}

	conv, err := s.db.CreateConversation(store.CreateConversationParams{
		Title:          req.Title,
		ExternalId:     sid,
		ParticipantIds: participantIds,
	})
	if err != nil {
		s.log.Println("create conversation:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Conversation{
		Id:         conv.Id,
		ExternalId: conv.ExternalId,
		Title:      conv.Title,
		CreatedAt:  conv.CreatedAt,
		UpdatedAt:  conv.UpdatedAt,
	})
}

func (s *MessagingApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbConvs, err := s.db.ListConversations(userId)
	if err != nil {
		s.log.Println("list conversations:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convs := make([]types.Conversation, 0, len(dbConvs))
	for _, conv := range dbConvs {
		convs = append(convs, types.Conversation{
			Id:         conv.Id,
			ExternalId: conv.ExternalId,
			Title:      conv.Title,
			CreatedAt:  conv.CreatedAt,
			UpdatedAt:  conv.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *MessagingApp) getConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.GetConversationByExternalId(r.PathValue("id"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsParticipant(userId, conv.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	full, err := s.db.GetConversationWithParticipants(conv.Id)
	if err != nil {
		s.log.Println("get conversation with participants:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participants := make([]types.User, 0, len(full.Participants))
	for _, p := range full.Participants {
		participants = append(participants, types.User{
			Id:          p.UserId,
			DisplayName: p.DisplayName,
		})
	}

	s.writeJson(w, http.StatusOK, types.Conversation{
		Id:           full.Id,
		ExternalId:   full.ExternalId,
		Title:        full.Title,
		Participants: participants,
		CreatedAt:    full.CreatedAt,
		UpdatedAt:    full.UpdatedAt,
	})
}

func (s *MessagingApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("conversation_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.GetConversationByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsParticipant(userId, conv.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, limit int
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		if before, err = strconv.Atoi(beforeStr); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.db.GetMessages(conv.Id, before, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		m := types.Message{
			Id:             msg.Id,
			ConversationId: conv.ExternalId,
			SenderId:       msg.SenderId,
			Content:        msg.Content,
			ContentType:    msg.ContentType,
			AttachmentUrl:  msg.AttachmentUrl,
			ReplyToId:      msg.ReplyToId,
			Timestamp:      msg.CreatedAt,
		}

		reactions, err := s.db.ListReactions(msg.Id)
		if err != nil {
			s.log.Printf("list reactions for message %d: %v", msg.Id, err)
		} else if len(reactions) > 0 {
			m.Reactions = aggregateReactions(reactions)
		}

		out = append(out, m)
	}

	s.writeJson(w, http.StatusOK, out)
}

func aggregateReactions(reactions []store.Reaction) types.Reactions {
	out := make(types.Reactions)
	for _, r := range reactions {
		group := out[r.Emoji]
		group.UserIds = append(group.UserIds, r.UserId)
		group.Count = len(group.UserIds)
		out[r.Emoji] = group
	}
	return out
}

// createAnnouncement lets other platform subsystems (course announcements,
// deadline reminders) publish a server-originated message into a live
// conversation through the broadcast primitive.
func (s *MessagingApp) createAnnouncement(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateAnnouncementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationId == "" || req.Content == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.GetConversationByExternalId(req.ConversationId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsParticipant(userId, conv.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	saved, err := s.db.CreateMessage(store.Message{
		ConversationId: conv.Id,
		SenderId:       userId,
		Content:        req.Content,
		ContentType:    "text/plain",
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg := types.Message{
		Id:             saved.Id,
		ConversationId: conv.ExternalId,
		SenderId:       saved.SenderId,
		Content:        saved.Content,
		ContentType:    saved.ContentType,
		Timestamp:      saved.CreatedAt,
	}

	// best-effort fan-out; an idle conversation simply has no live room
	if err := s.cs.Broadcast(conv.ExternalId, protocol.NewMessage{Message: msg}); err != nil &&
		!errors.Is(err, server.ErrConversationNotActive) {
		s.log.Println("broadcast announcement:", err)
	}

	s.writeJson(w, http.StatusAccepted, msg)
}

func (s *MessagingApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{Id: userId}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	client.QueueEvent(protocol.ConnectionEstablished{UserId: userId})
	go client.Write()
	go client.Read()
}
