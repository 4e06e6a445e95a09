package server

import (
	"log"
	"sync"
	"time"

	"github.com/learnloop/messaging/internal/protocol"
	"github.com/learnloop/messaging/internal/store"
	"github.com/learnloop/messaging/internal/types"
)

const (
	idleRoomTimeout = 30 * time.Second
	historyLimit    = 25
)

type exitReq struct {
	done chan string
}

// clientEvent pairs a decoded protocol event with its originating client
// for dispatch inside the room actor.
type clientEvent struct {
	ev     protocol.ClientEvent
	client *Client
}

// reactionEvent is a reaction toggle whose conversation has already been
// resolved by the routing connection.
type reactionEvent struct {
	messageId int
	emoji     string
	add       bool
}

func (reactionEvent) ClientEventType() string { return "reaction" }

// Room is the live fan-out state for one conversation. A single goroutine
// (start) owns all mutation, which is what makes join/broadcast interleaving
// safe without a lock shared across conversations.
type Room struct {
	id         int
	externalId string
	cs         *ChatServer

	joinChan  chan *clientEvent
	leaveChan chan *clientEvent
	eventChan chan *clientEvent
	// deferredChan re-enters the actor with the result of an async store
	// call, so persistence never blocks event intake.
	deferredChan chan func()
	injectChan   chan protocol.ServerEvent
	exit         chan exitReq
	done         chan struct{}

	clients    map[*Client]struct{}
	userMap    map[int]map[*Client]struct{}
	clientLock sync.RWMutex

	typing    *typingTracker
	cursors   *readTracker
	reactions map[int]*reactionSet

	log *log.Logger
	// killTimer unloads the room once the last client leaves
	killTimer *time.Timer
}

func newRoom(conv store.Conversation, cs *ChatServer) *Room {
	return &Room{
		id:           conv.Id,
		externalId:   conv.ExternalId,
		cs:           cs,
		joinChan:     make(chan *clientEvent, 256),
		leaveChan:    make(chan *clientEvent, 256),
		eventChan:    make(chan *clientEvent, 256),
		deferredChan: make(chan func(), 256),
		injectChan:   make(chan protocol.ServerEvent, 64),
		exit:         make(chan exitReq),
		done:         make(chan struct{}),
		clients:      make(map[*Client]struct{}),
		userMap:      make(map[int]map[*Client]struct{}),
		typing:       newTypingTracker(),
		cursors:      newReadTracker(),
		reactions:    make(map[int]*reactionSet),
		log:          cs.log,
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.loadCursors()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case ce := <-r.eventChan:
			r.handleEvent(ce)
		case fn := <-r.deferredChan:
			fn()
		case ev := <-r.injectChan:
			r.broadcast(ev, nil)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleEvent(ce *clientEvent) {
	if _, ok := r.getClient(ce.client); !ok {
		ce.client.queueEvent(protocol.Error{Message: "join the conversation before acting on it"})
		return
	}

	switch ev := ce.ev.(type) {
	case protocol.SendMessage:
		r.handleSend(ce.client, ev)
	case protocol.Typing:
		r.handleTyping(ce.client, ev)
	case protocol.MessageRead:
		r.handleRead(ce.client, ev)
	case reactionEvent:
		r.handleReaction(ce.client, ev)
	}
}

// deferred hands fn back to the actor goroutine. It gives up if the room
// exits first so goroutines never leak against an unloaded room.
func (r *Room) deferred(fn func()) {
	select {
	case r.deferredChan <- fn:
	case <-r.done:
	}
}

// loadCursors seeds the read trackers from the store, so a receipt already
// acknowledged before the room was unloaded stays a no-op after a reload.
func (r *Room) loadCursors() {
	cursors, err := r.cs.db.ListReadCursors(r.id)
	if err != nil {
		r.log.Println("ListReadCursors:", err)
		return
	}

	for _, cur := range cursors {
		r.cursors.advance(cur.UserId, cur.MessageId)
	}
}

func (r *Room) handleJoin(join *clientEvent) {
	r.killTimer.Stop()

	c := join.client
	if !r.cs.db.IsParticipant(c.user.Id, r.id) {
		// exactly one error envelope, membership untouched
		c.queueEvent(protocol.Error{Message: "not a participant of this conversation"})
		r.resetKillTimerIfEmpty()
		return
	}

	history, err := r.cs.db.GetMessages(r.id, 0, historyLimit)
	if err != nil {
		r.log.Println("GetMessages:", err)
		c.queueEvent(protocol.Error{Message: "internal server error"})
		r.resetKillTimerIfEmpty()
		return
	}

	r.addClient(c)

	messages := make([]types.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages, r.wireMessage(history[i]))
	}

	c.queueEvent(protocol.ConversationJoined{
		ConversationId: r.externalId,
		Messages:       messages,
		TypingUserIds:  r.typing.active(time.Now()),
	})

	r.broadcast(protocol.PresenceUpdate{
		ConversationId: r.externalId,
		UserId:         c.user.Id,
		Present:        true,
	}, c)
}

func (r *Room) handleLeave(leave *clientEvent) {
	c := leave.client
	r.removeClient(c)

	// announce offline only once the user's last connection is gone
	if r.userMap[c.user.Id] == nil {
		r.broadcast(protocol.PresenceUpdate{
			ConversationId: r.externalId,
			UserId:         c.user.Id,
			Present:        false,
		}, c)
	}
}

// handleSend persists off the actor goroutine and broadcasts strictly after
// the store confirms. On failure only the sender hears about it and no room
// state changes.
func (r *Room) handleSend(c *Client, ev protocol.SendMessage) {
	msg := store.Message{
		ConversationId: r.id,
		SenderId:       c.user.Id,
		Content:        ev.Content,
		ContentType:    ev.ContentType,
		AttachmentUrl:  ev.AttachmentUrl,
		ReplyToId:      ev.ReplyToId,
	}

	go func() {
		saved, err := r.cs.db.CreateMessage(msg)
		r.deferred(func() {
			if err != nil {
				r.log.Println("CreateMessage:", err)
				c.queueEvent(protocol.Error{Message: "message could not be saved"})
				return
			}

			r.cs.stats.Incr(statMessagesSent)
			r.broadcast(protocol.NewMessage{Message: r.wireMessage(saved)}, nil)

			// a message send implicitly ends typing
			if r.typing.clear(c.user.Id, time.Now()) {
				r.broadcastTyping()
			}
		})
	}()
}

func (r *Room) handleTyping(c *Client, ev protocol.Typing) {
	now := time.Now()
	if ev.IsTyping {
		r.typing.set(c.user.Id, now)
	} else {
		r.typing.clear(c.user.Id, now)
	}

	r.broadcastTyping()
}

func (r *Room) broadcastTyping() {
	r.broadcast(protocol.TypingUpdate{
		ConversationId: r.externalId,
		TypingUserIds:  r.typing.active(time.Now()),
	}, nil)
}

func (r *Room) handleRead(c *Client, ev protocol.MessageRead) {
	if ev.MessageId <= r.cursors.cursor(c.user.Id) {
		// late or duplicate receipt
		return
	}

	if err := r.cs.db.UpdateReadCursor(c.user.Id, r.id, ev.MessageId); err != nil {
		r.log.Println("UpdateReadCursor:", err)
		c.queueEvent(protocol.Error{Message: "read receipt could not be saved"})
		return
	}

	r.cursors.advance(c.user.Id, ev.MessageId)
	r.broadcast(protocol.ReadUpdate{
		ConversationId: r.externalId,
		UserId:         c.user.Id,
		MessageId:      ev.MessageId,
	}, nil)
}

func (r *Room) handleReaction(c *Client, ev reactionEvent) {
	set, err := r.reactionsFor(ev.messageId)
	if err != nil {
		r.log.Println("ListReactions:", err)
		c.queueEvent(protocol.Error{Message: "reaction could not be saved"})
		return
	}

	// toggle is idempotent: already-on add and already-off remove are no-ops
	if ev.add == set.has(c.user.Id, ev.emoji) {
		return
	}

	if ev.add {
		err = r.cs.db.AddReaction(ev.messageId, c.user.Id, ev.emoji)
	} else {
		err = r.cs.db.RemoveReaction(ev.messageId, c.user.Id, ev.emoji)
	}
	if err != nil {
		r.log.Println("persist reaction:", err)
		c.queueEvent(protocol.Error{Message: "reaction could not be saved"})
		return
	}

	if ev.add {
		set.add(c.user.Id, ev.emoji)
	} else {
		set.remove(c.user.Id, ev.emoji)
	}

	r.cs.stats.Incr(statReactionsApplied)
	r.broadcast(protocol.ReactionUpdate{
		MessageId: ev.messageId,
		Reactions: set.snapshot(),
	}, nil)
}

// reactionsFor returns the in-memory aggregate for a message, hydrating it
// from the store on first touch.
func (r *Room) reactionsFor(messageId int) (*reactionSet, error) {
	if set, ok := r.reactions[messageId]; ok {
		return set, nil
	}

	stored, err := r.cs.db.ListReactions(messageId)
	if err != nil {
		return nil, err
	}

	set := newReactionSet()
	for _, reaction := range stored {
		set.add(reaction.UserId, reaction.Emoji)
	}
	r.reactions[messageId] = set

	return set, nil
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q idle, unloading", r.externalId)
	select {
	case r.cs.unloadRoomChan <- r.externalId:
	default:
		// registry busy, try again on the next timeout
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	r.killTimer.Stop()
	close(r.done)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	clear(r.clients)
	clear(r.userMap)
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) wireMessage(msg store.Message) types.Message {
	return types.Message{
		Id:             msg.Id,
		ConversationId: r.externalId,
		SenderId:       msg.SenderId,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		AttachmentUrl:  msg.AttachmentUrl,
		ReplyToId:      msg.ReplyToId,
		Timestamp:      msg.CreatedAt,
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) resetKillTimerIfEmpty() {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// broadcast fans ev out to every member except skip. Delivery is
// best-effort: a member whose send buffer is full is dropped from the room
// and must rejoin, so one slow consumer never stalls the rest.
func (r *Room) broadcast(ev protocol.ServerEvent, skip *Client) {
	r.clientLock.RLock()
	var slow []*Client
	for client := range r.clients {
		if client == skip {
			continue
		}

		if !client.queueEvent(ev) {
			slow = append(slow, client)
		}
	}
	r.clientLock.RUnlock()

	for _, client := range slow {
		r.log.Printf("dropping slow client (user %d) from room %q", client.user.Id, r.externalId)
		r.removeClient(client)
	}
}
