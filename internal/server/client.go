package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/learnloop/messaging/internal/protocol"
	"github.com/learnloop/messaging/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is the server-side half of one live connection, bound to exactly
// one authenticated user. It owns the read and write pumps; all room state
// it touches is reached through room channels.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan protocol.ServerEvent
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan protocol.ServerEvent, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := protocol.EncodeServerEvent(ev)
			if err != nil {
				c.log.Println("failed to encode event:", err)
				continue
			}

			if !c.writeFrame(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		ev, err := protocol.DecodeClientEvent(raw)
		if err != nil {
			// protocol error: log and drop, the connection stays open
			c.log.Println("dropping malformed envelope:", err)
			continue
		}

		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev protocol.ClientEvent) {
	switch e := ev.(type) {
	case protocol.JoinConversation:
		c.joinConversation(e)
	case protocol.SendMessage:
		c.routeToRoom(e.ConversationId, e)
	case protocol.MessageRead:
		c.routeToRoom(e.ConversationId, e)
	case protocol.Typing:
		c.routeToRoom(e.ConversationId, e)
	case protocol.AddReaction:
		go c.routeReaction(reactionEvent{messageId: e.MessageId, emoji: e.Reaction, add: true})
	case protocol.RemoveReaction:
		go c.routeReaction(reactionEvent{messageId: e.MessageId, emoji: e.Reaction, add: false})
	case protocol.Ping:
		c.queueEvent(protocol.Pong{})
	case protocol.Unknown:
		c.handleUnknown(e)
	}
}

// handleUnknown is the generic handler for envelopes outside the known
// vocabulary. They are accepted and logged so newer clients can talk to
// this server without being disconnected.
func (c *Client) handleUnknown(ev protocol.Unknown) {
	c.log.Printf("ignoring unknown envelope type %q from user %d", ev.Type, c.user.Id)
}

func (c *Client) joinConversation(ev protocol.JoinConversation) {
	select {
	case c.chatServer.joinChan <- &clientEvent{ev: ev, client: c}:
	default:
		c.log.Printf("join channel full")
		c.queueEvent(protocol.Error{Message: "service unavailable"})
	}
}

func (c *Client) routeToRoom(conversationId string, ev protocol.ClientEvent) {
	r := c.getRoom(conversationId)
	if r == nil {
		c.queueEvent(protocol.Error{Message: "join the conversation before acting on it"})
		return
	}

	select {
	case r.eventChan <- &clientEvent{ev: ev, client: c}:
	default:
		c.log.Printf("event channel full for conversation %q", r.externalId)
		c.queueEvent(protocol.Error{Message: "service unavailable"})
	}
}

// routeReaction resolves the target message's conversation off the read
// loop, then routes the toggle into that conversation's room. Reacting to a
// message in a conversation the user has not joined is an authorization
// error, not a silent drop.
func (c *Client) routeReaction(ev reactionEvent) {
	msg, err := c.chatServer.db.GetMessage(ev.messageId)
	if err != nil {
		c.log.Printf("resolve message %d: %v", ev.messageId, err)
		c.queueEvent(protocol.Error{Message: "cannot react to that message"})
		return
	}

	c.roomsLock.RLock()
	var room *Room
	for _, r := range c.rooms {
		if r.id == msg.ConversationId {
			room = r
			break
		}
	}
	c.roomsLock.RUnlock()

	if room == nil {
		c.queueEvent(protocol.Error{Message: "cannot react to that message"})
		return
	}

	select {
	case room.eventChan <- &clientEvent{ev: ev, client: c}:
	case <-c.stop:
	}
}

// QueueEvent enqueues a server event for delivery on this connection. It
// is the entry point for events originating outside the room layer, e.g.
// the connection_established greeting.
func (c *Client) QueueEvent(ev protocol.ServerEvent) bool {
	return c.queueEvent(ev)
}

func (c *Client) queueEvent(ev protocol.ServerEvent) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- ev:
	default:
		c.log.Println("failed to queue event, send buffer is full")
		return false
	}

	return true
}

func (c *Client) writeFrame(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write frame: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup removes the client from every room it joined before the
// connection is torn down, so a closed connection never receives a late
// broadcast.
func (c *Client) cleanup() {
	c.stopClient()
	c.leaveAllRooms()
	c.chatServer.deregisterClient(c)
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		room.leaveChan <- &clientEvent{client: c}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
