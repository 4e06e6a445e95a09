package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/learnloop/messaging/internal/protocol"
	"github.com/learnloop/messaging/internal/stats"
	"github.com/learnloop/messaging/internal/store"
)

const (
	statActiveConnections   = "NumActiveConnections"
	statActiveConversations = "NumActiveConversations"
	statMessagesSent        = "NumMessagesSent"
	statReactionsApplied    = "NumReactionsApplied"
)

// ErrConversationNotActive is returned by Broadcast when no live room
// exists for the conversation, i.e. nobody is connected to hear the event.
var ErrConversationNotActive = errors.New("conversation has no active room")

type stopReq struct {
	done chan struct{}
}

type injectReq struct {
	conversationId string
	ev             protocol.ServerEvent
	result         chan error
}

// ChatServer owns the conversation-id -> Room registry. It is constructed
// and wired at startup and passed to the HTTP layer; there is no ambient
// process-wide registry.
type ChatServer struct {
	log            *log.Logger
	db             store.MessagingRepository
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *clientEvent
	registerChan   chan *Client
	deregisterChan chan *Client
	unloadRoomChan chan string
	injectChan     chan injectReq
	rooms          map[string]*Room
	stop           chan stopReq
	// done is closed when the run loop exits, releasing collaborators
	// blocked on injectChan
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db store.MessagingRepository, sp stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          sp,
		joinChan:       make(chan *clientEvent, 256),
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		unloadRoomChan: make(chan string, 64),
		injectChan:     make(chan injectReq),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
		rooms:          make(map[string]*Room),
	}

	for _, name := range []string{
		statActiveConnections,
		statActiveConversations,
		statMessagesSent,
		statReactionsApplied,
	} {
		sp.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case client := <-cs.registerChan:
			cs.addClient(client)
		case client := <-cs.deregisterChan:
			cs.removeClient(client)
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case req := <-cs.injectChan:
			req.result <- cs.handleInject(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan string)
				r.exit <- exitReq{done: done}
				<-done
				cs.stats.Decr(statActiveConversations)
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(join *clientEvent) {
	ev, ok := join.ev.(protocol.JoinConversation)
	if !ok {
		return
	}

	if room, ok := cs.rooms[ev.ConversationId]; ok {
		select {
		case room.joinChan <- join:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			join.client.queueEvent(protocol.Error{Message: "service unavailable"})
		}
		return
	}

	conv, err := cs.db.GetConversationByExternalId(ev.ConversationId)
	if err != nil {
		join.client.queueEvent(protocol.Error{Message: "conversation not found"})
		return
	}

	room := newRoom(conv, cs)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(statActiveConversations)
	room.joinChan <- join

	go room.start()
}

func (cs *ChatServer) handleInject(req injectReq) error {
	room, ok := cs.rooms[req.conversationId]
	if !ok {
		return ErrConversationNotActive
	}

	select {
	case room.injectChan <- req.ev:
		return nil
	default:
		return errors.New("room inject channel full")
	}
}

// Broadcast lets other subsystems (e.g. course announcements) fan a
// server-originated event into a live conversation without going through a
// client envelope.
func (cs *ChatServer) Broadcast(conversationId string, ev protocol.ServerEvent) error {
	req := injectReq{
		conversationId: conversationId,
		ev:             ev,
		result:         make(chan error, 1),
	}

	select {
	case cs.injectChan <- req:
	case <-cs.done:
		return ErrConversationNotActive
	}

	select {
	case err := <-req.result:
		return err
	case <-cs.done:
		return ErrConversationNotActive
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *ChatServer) deregisterClient(c *Client) {
	cs.deregisterChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(statActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	cs.stats.Decr(statActiveConnections)
}

func (cs *ChatServer) unloadRoom(id string) {
	room, ok := cs.rooms[id]
	if !ok {
		return
	}

	done := make(chan string)
	room.exit <- exitReq{done: done}
	<-done

	delete(cs.rooms, id)
	cs.stats.Decr(statActiveConversations)
	cs.log.Printf("unloaded room %q", id)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
