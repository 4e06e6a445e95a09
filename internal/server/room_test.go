package server

import (
	"errors"
	"testing"
	"time"

	"github.com/learnloop/messaging/internal/protocol"
	"github.com/learnloop/messaging/internal/stats"
	"github.com/learnloop/messaging/internal/store"
	"github.com/learnloop/messaging/internal/testutil"
	"github.com/learnloop/messaging/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestRoom builds a room outside the registry with its kill timer armed
// far in the future, so handlers that touch the timer can run directly.
func newTestRoom(t *testing.T, cs *ChatServer) *Room {
	t.Helper()

	room := newRoom(store.Conversation{Id: 1, ExternalId: "test-conv"}, cs)
	room.killTimer = time.NewTimer(time.Hour)
	t.Cleanup(func() { room.killTimer.Stop() })
	return room
}

func newTestClient(t *testing.T, userId int) *Client {
	t.Helper()

	return &Client{
		user:  types.User{Id: userId},
		send:  make(chan protocol.ServerEvent, 256),
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
		log:   testutil.TestLogger(t),
	}
}

// recvEvent pops the next queued event for a client or fails the test.
func recvEvent(t *testing.T, c *Client) protocol.ServerEvent {
	t.Helper()

	select {
	case ev := <-c.send:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()

	select {
	case ev := <-c.send:
		t.Fatalf("expected no event, got %T", ev)
	default:
	}
}

func Test_room_addClient_getClient_removeClient(t *testing.T) {
	db := &store.MockMessagingRepository{}
	su := &stats.MockStatsUpdater{}
	room := newTestRoom(t, newTestChatServer(t, db, su))

	c := newTestClient(t, 1)
	room.addClient(c)
	assert.Contains(t, room.clients, c, "expected room to contain client")
	assert.Contains(t, room.userMap, c.user.Id, "expected userMap entry for user")
	assert.Contains(t, c.rooms, room.externalId, "expected client to track the room")

	got, ok := room.getClient(c)
	assert.True(t, ok, "expected to find client")
	assert.Equal(t, c, got)

	room.removeClient(c)
	assert.NotContains(t, room.clients, c, "expected client removed")
	assert.NotContains(t, room.userMap, c.user.Id, "expected userMap entry removed")
	assert.NotContains(t, c.rooms, room.externalId, "expected client to drop the room")
}

func Test_handleJoin(t *testing.T) {
	t.Run("rejects non-participant with a single error", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 7)

		db.On("IsParticipant", 7, room.id).Return(false).Once()

		room.handleJoin(&clientEvent{ev: protocol.JoinConversation{ConversationId: room.externalId}, client: c})

		ev := recvEvent(t, c)
		errEv, ok := ev.(protocol.Error)
		assert.True(t, ok, "expected an error event, got %T", ev)
		assert.Equal(t, "not a participant of this conversation", errEv.Message)
		assertNoEvent(t, c)
		assert.Empty(t, room.clients, "expected membership to be unchanged")
	})

	t.Run("joins participant with history and typing snapshot", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		room.typing.set(9, time.Now())

		other := newTestClient(t, 2)
		room.addClient(other)

		c := newTestClient(t, 1)
		db.On("IsParticipant", 1, room.id).Return(true).Once()
		// store returns newest first, the snapshot is oldest first
		db.On("GetMessages", room.id, 0, historyLimit).Return([]store.Message{
			{Id: 11, ConversationId: room.id, SenderId: 2, Content: "second"},
			{Id: 10, ConversationId: room.id, SenderId: 2, Content: "first"},
		}, nil).Once()

		room.handleJoin(&clientEvent{ev: protocol.JoinConversation{ConversationId: room.externalId}, client: c})

		joined, ok := recvEvent(t, c).(protocol.ConversationJoined)
		assert.True(t, ok, "expected conversation_joined")
		assert.Equal(t, room.externalId, joined.ConversationId)
		assert.Len(t, joined.Messages, 2)
		assert.Equal(t, 10, joined.Messages[0].Id, "expected history in chronological order")
		assert.Equal(t, 11, joined.Messages[1].Id)
		assert.Equal(t, []int{9}, joined.TypingUserIds, "expected current typing snapshot")

		presence, ok := recvEvent(t, other).(protocol.PresenceUpdate)
		assert.True(t, ok, "expected presence update for existing member")
		assert.Equal(t, 1, presence.UserId)
		assert.True(t, presence.Present)
		assertNoEvent(t, c)

		assert.Contains(t, room.clients, c, "expected client added to room")
	})

	t.Run("history fetch failure leaves membership unchanged", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 1)

		db.On("IsParticipant", 1, room.id).Return(true).Once()
		db.On("GetMessages", room.id, 0, historyLimit).Return([]store.Message(nil), errors.New("db error")).Once()

		room.handleJoin(&clientEvent{ev: protocol.JoinConversation{ConversationId: room.externalId}, client: c})

		_, ok := recvEvent(t, c).(protocol.Error)
		assert.True(t, ok, "expected an error event")
		assert.Empty(t, room.clients)
	})
}

func Test_handleLeave(t *testing.T) {
	t.Run("last connection broadcasts offline", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		su := &stats.MockStatsUpdater{}
		room := newTestRoom(t, newTestChatServer(t, db, su))

		leaver := newTestClient(t, 1)
		watcher := newTestClient(t, 2)
		room.addClient(leaver)
		room.addClient(watcher)

		room.handleLeave(&clientEvent{client: leaver})

		presence, ok := recvEvent(t, watcher).(protocol.PresenceUpdate)
		assert.True(t, ok, "expected presence update")
		assert.Equal(t, 1, presence.UserId)
		assert.False(t, presence.Present)
		assert.NotContains(t, room.clients, leaver)
	})

	t.Run("second connection of the same user keeps them present", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		su := &stats.MockStatsUpdater{}
		room := newTestRoom(t, newTestChatServer(t, db, su))

		first := newTestClient(t, 1)
		second := newTestClient(t, 1)
		watcher := newTestClient(t, 2)
		room.addClient(first)
		room.addClient(second)
		room.addClient(watcher)

		room.handleLeave(&clientEvent{client: first})

		assertNoEvent(t, watcher)
		assert.Contains(t, room.userMap, 1, "expected user to remain mapped through second connection")
	})
}

func Test_handleEvent_requiresMembership(t *testing.T) {
	db := &store.MockMessagingRepository{}
	su := &stats.MockStatsUpdater{}
	room := newTestRoom(t, newTestChatServer(t, db, su))

	c := newTestClient(t, 1)
	room.handleEvent(&clientEvent{ev: protocol.SendMessage{ConversationId: room.externalId, Content: "hi"}, client: c})

	errEv, ok := recvEvent(t, c).(protocol.Error)
	assert.True(t, ok, "expected an error event")
	assert.Equal(t, "join the conversation before acting on it", errEv.Message)
}

// runDeferred waits for the async store result to re-enter the actor and
// applies it, standing in for the room's select loop.
func runDeferred(t *testing.T, room *Room) {
	t.Helper()

	select {
	case fn := <-room.deferredChan:
		fn()
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for deferred store result")
	}
}

func Test_handleSend(t *testing.T) {
	t.Run("persists then broadcasts to all members", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		room := newTestRoom(t, newTestChatServer(t, db, su))
		sender := newTestClient(t, 1)
		other := newTestClient(t, 2)
		room.addClient(sender)
		room.addClient(other)

		saved := store.Message{Id: 42, ConversationId: room.id, SenderId: 1, Content: "hello", CreatedAt: time.Now().UTC()}
		db.On("CreateMessage", mock.MatchedBy(func(m store.Message) bool {
			return m.ConversationId == room.id && m.SenderId == 1 && m.Content == "hello"
		})).Return(saved, nil).Once()
		su.On("Incr", statMessagesSent).Once()

		room.handleSend(sender, protocol.SendMessage{ConversationId: room.externalId, Content: "hello"})
		runDeferred(t, room)

		for _, c := range []*Client{sender, other} {
			nm, ok := recvEvent(t, c).(protocol.NewMessage)
			assert.True(t, ok, "expected new_message for every member, sender included")
			assert.Equal(t, 42, nm.Message.Id)
			assert.Equal(t, room.externalId, nm.Message.ConversationId)
			assert.Equal(t, "hello", nm.Message.Content)
		}
	})

	t.Run("send clears the sender's typing state", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		su.On("Incr", statMessagesSent).Once()

		room := newTestRoom(t, newTestChatServer(t, db, su))
		sender := newTestClient(t, 1)
		room.addClient(sender)
		room.typing.set(1, time.Now())

		db.On("CreateMessage", mock.Anything).Return(store.Message{Id: 1, ConversationId: room.id, SenderId: 1}, nil).Once()

		room.handleSend(sender, protocol.SendMessage{ConversationId: room.externalId, Content: "done typing"})
		runDeferred(t, room)

		_, ok := recvEvent(t, sender).(protocol.NewMessage)
		assert.True(t, ok, "expected new_message first")

		tu, ok := recvEvent(t, sender).(protocol.TypingUpdate)
		assert.True(t, ok, "expected typing update after the send")
		assert.Empty(t, tu.TypingUserIds, "expected sender's typing entry cleared")
	})

	t.Run("store failure reaches only the sender", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		sender := newTestClient(t, 1)
		other := newTestClient(t, 2)
		room.addClient(sender)
		room.addClient(other)

		db.On("CreateMessage", mock.Anything).Return(store.Message{}, errors.New("db error")).Once()

		room.handleSend(sender, protocol.SendMessage{ConversationId: room.externalId, Content: "hello"})
		runDeferred(t, room)

		_, ok := recvEvent(t, sender).(protocol.Error)
		assert.True(t, ok, "expected error for the sender")
		assertNoEvent(t, other)
	})
}

func Test_handleTyping(t *testing.T) {
	db := &store.MockMessagingRepository{}
	su := &stats.MockStatsUpdater{}
	room := newTestRoom(t, newTestChatServer(t, db, su))

	typist := newTestClient(t, 1)
	watcher := newTestClient(t, 2)
	room.addClient(typist)
	room.addClient(watcher)

	room.handleTyping(typist, protocol.Typing{ConversationId: room.externalId, IsTyping: true})

	for _, c := range []*Client{typist, watcher} {
		tu, ok := recvEvent(t, c).(protocol.TypingUpdate)
		assert.True(t, ok, "expected typing update")
		assert.Equal(t, []int{1}, tu.TypingUserIds)
	}

	room.handleTyping(typist, protocol.Typing{ConversationId: room.externalId, IsTyping: false})

	tu, ok := recvEvent(t, watcher).(protocol.TypingUpdate)
	assert.True(t, ok, "expected typing update on stop")
	assert.Empty(t, tu.TypingUserIds)
}

func Test_handleRead(t *testing.T) {
	t.Run("advances and broadcasts", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		reader := newTestClient(t, 1)
		watcher := newTestClient(t, 2)
		room.addClient(reader)
		room.addClient(watcher)

		db.On("UpdateReadCursor", 1, room.id, 10).Return(nil).Once()

		room.handleRead(reader, protocol.MessageRead{ConversationId: room.externalId, MessageId: 10})

		ru, ok := recvEvent(t, watcher).(protocol.ReadUpdate)
		assert.True(t, ok, "expected read update")
		assert.Equal(t, 1, ru.UserId)
		assert.Equal(t, 10, ru.MessageId)
		assert.Equal(t, 10, room.cursors.cursor(1))
	})

	t.Run("stale receipt is dropped without a store call", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		reader := newTestClient(t, 1)
		room.addClient(reader)
		room.cursors.advance(1, 10)

		room.handleRead(reader, protocol.MessageRead{ConversationId: room.externalId, MessageId: 5})
		room.handleRead(reader, protocol.MessageRead{ConversationId: room.externalId, MessageId: 10})

		assertNoEvent(t, reader)
		assert.Equal(t, 10, room.cursors.cursor(1), "expected cursor untouched")
	})

	t.Run("receipts acknowledged before a reload stay no-ops", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		reader := newTestClient(t, 1)
		room.addClient(reader)

		// cursors persisted by a previous incarnation of the room
		db.On("ListReadCursors", room.id).Return([]store.ReadCursor{
			{UserId: 1, ConversationId: room.id, MessageId: 10},
		}, nil).Once()
		room.loadCursors()

		room.handleRead(reader, protocol.MessageRead{ConversationId: room.externalId, MessageId: 10})
		room.handleRead(reader, protocol.MessageRead{ConversationId: room.externalId, MessageId: 7})

		assertNoEvent(t, reader)
		db.AssertNotCalled(t, "UpdateReadCursor", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 10, room.cursors.cursor(1))
	})

	t.Run("store failure does not move the cursor", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		reader := newTestClient(t, 1)
		room.addClient(reader)

		db.On("UpdateReadCursor", 1, room.id, 10).Return(errors.New("db error")).Once()

		room.handleRead(reader, protocol.MessageRead{ConversationId: room.externalId, MessageId: 10})

		_, ok := recvEvent(t, reader).(protocol.Error)
		assert.True(t, ok, "expected error for the reader")
		assert.Equal(t, 0, room.cursors.cursor(1))
	})
}

func Test_handleReaction(t *testing.T) {
	t.Run("first add hydrates, persists and broadcasts the full set", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 1)
		watcher := newTestClient(t, 2)
		room.addClient(c)
		room.addClient(watcher)

		db.On("ListReactions", 42).Return([]store.Reaction{{MessageId: 42, UserId: 9, Emoji: "👍"}}, nil).Once()
		db.On("AddReaction", 42, 1, "👍").Return(nil).Once()
		su.On("Incr", statReactionsApplied).Once()

		room.handleReaction(c, reactionEvent{messageId: 42, emoji: "👍", add: true})

		ru, ok := recvEvent(t, watcher).(protocol.ReactionUpdate)
		assert.True(t, ok, "expected reaction update")
		assert.Equal(t, 42, ru.MessageId)
		assert.Equal(t, 2, ru.Reactions["👍"].Count, "expected stored reaction plus the new one")
		assert.Equal(t, []int{1, 9}, ru.Reactions["👍"].UserIds)
	})

	t.Run("duplicate add is a no-op", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 1)
		room.addClient(c)

		set := newReactionSet()
		set.add(1, "👍")
		room.reactions[42] = set

		room.handleReaction(c, reactionEvent{messageId: 42, emoji: "👍", add: true})

		assertNoEvent(t, c)
		db.AssertNotCalled(t, "AddReaction", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("remove of an absent reaction is a no-op", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 1)
		room.addClient(c)
		room.reactions[42] = newReactionSet()

		room.handleReaction(c, reactionEvent{messageId: 42, emoji: "👍", add: false})

		assertNoEvent(t, c)
		db.AssertNotCalled(t, "RemoveReaction", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("remove persists and broadcasts", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		su.On("Incr", statReactionsApplied).Once()

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 1)
		room.addClient(c)

		set := newReactionSet()
		set.add(1, "👍")
		room.reactions[42] = set

		db.On("RemoveReaction", 42, 1, "👍").Return(nil).Once()

		room.handleReaction(c, reactionEvent{messageId: 42, emoji: "👍", add: false})

		ru, ok := recvEvent(t, c).(protocol.ReactionUpdate)
		assert.True(t, ok, "expected reaction update")
		assert.Empty(t, ru.Reactions, "expected empty set after last removal")
	})

	t.Run("persist failure leaves the aggregate untouched", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		room := newTestRoom(t, newTestChatServer(t, db, su))
		c := newTestClient(t, 1)
		room.addClient(c)
		room.reactions[42] = newReactionSet()

		db.On("AddReaction", 42, 1, "👍").Return(errors.New("db error")).Once()

		room.handleReaction(c, reactionEvent{messageId: 42, emoji: "👍", add: true})

		_, ok := recvEvent(t, c).(protocol.Error)
		assert.True(t, ok, "expected error event")
		assert.False(t, room.reactions[42].has(1, "👍"), "expected reaction not applied")
	})
}

func Test_broadcast_dropsSlowClient(t *testing.T) {
	db := &store.MockMessagingRepository{}
	su := &stats.MockStatsUpdater{}
	room := newTestRoom(t, newTestChatServer(t, db, su))

	healthy := newTestClient(t, 1)
	slow := newTestClient(t, 2)
	slow.send = make(chan protocol.ServerEvent) // no buffer, nothing reading
	room.addClient(healthy)
	room.addClient(slow)

	room.broadcast(protocol.TypingUpdate{ConversationId: room.externalId}, nil)

	_, ok := recvEvent(t, healthy).(protocol.TypingUpdate)
	assert.True(t, ok, "expected healthy client to receive the event")
	assert.NotContains(t, room.clients, slow, "expected slow client removed from the room")
	assert.Contains(t, room.clients, healthy, "expected healthy client to remain")
}

func Test_handleRoomTimeout(t *testing.T) {
	t.Run("requests unload from the registry", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		su := &stats.MockStatsUpdater{}
		room := newTestRoom(t, newTestChatServer(t, db, su))

		room.handleRoomTimeout()

		select {
		case id := <-room.cs.unloadRoomChan:
			assert.Equal(t, room.externalId, id)
		default:
			t.Error("expected unload request")
		}
	})

	t.Run("re-arms the timer when the registry is busy", func(t *testing.T) {
		db := &store.MockMessagingRepository{}
		su := &stats.MockStatsUpdater{}
		room := newTestRoom(t, newTestChatServer(t, db, su))
		room.killTimer = time.NewTimer(0)
		<-room.killTimer.C

		room.cs.unloadRoomChan = make(chan string, 1)
		room.cs.unloadRoomChan <- "another-conv"

		room.handleRoomTimeout()
		assert.True(t, room.killTimer.Stop(), "expected kill timer to be running again")
	})
}

func Test_handleRoomExit(t *testing.T) {
	db := &store.MockMessagingRepository{}
	su := &stats.MockStatsUpdater{}
	room := newTestRoom(t, newTestChatServer(t, db, su))

	c := newTestClient(t, 1)
	room.addClient(c)

	done := make(chan string, 1)
	room.handleRoomExit(exitReq{done: done})

	select {
	case id := <-done:
		assert.Equal(t, room.externalId, id)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for exit ack")
	}

	assert.Empty(t, room.clients, "expected no clients after exit")
	assert.NotContains(t, c.rooms, room.externalId, "expected client to forget the room")

	select {
	case <-room.done:
	default:
		t.Error("expected done channel to be closed")
	}
}
