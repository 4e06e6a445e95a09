// Package client implements the client half of the messaging protocol: one
// persistent connection with heartbeat, bounded auto-reconnect and typed
// send helpers.
//
// Reconnects use a fixed delay with no jitter, matching the platform's
// existing clients. A mass disconnect therefore retries in lockstep; if
// that ever becomes a problem the policy lives in scheduleReconnect alone.
package client

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/learnloop/messaging/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type NoticeKind int

const (
	NoticeConnected NoticeKind = iota
	NoticeReconnecting
	NoticeConnectionFailed
	NoticeDisconnected
)

// Notice is a user-visible connection lifecycle event, e.g. "attempting
// reconnect 2/5".
type Notice struct {
	Kind        NoticeKind
	Attempt     int
	MaxAttempts int
	Err         error
}

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectInterval    = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	writeWait                   = 10 * time.Second
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token is the pre-issued identity credential, passed as a query
	// parameter on the handshake.
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	AutoReconnect        bool
	Logger               *log.Logger
}

type Client struct {
	cfg       Config
	sessionId string
	log       *log.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	attempts      int
	stopHeartbeat chan struct{}
	reconnect     *time.Timer
	closed        bool

	events  chan protocol.ServerEvent
	notices chan Notice
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[chat-client] ", log.LstdFlags)
	}

	return &Client{
		cfg:       cfg,
		sessionId: uuid.NewString(),
		log:       cfg.Logger,
		state:     StateIdle,
		events:    make(chan protocol.ServerEvent, 256),
		notices:   make(chan Notice, 16),
	}, nil
}

// Events delivers decoded server events. Events arriving while the buffer
// is full are dropped with a log line.
func (c *Client) Events() <-chan protocol.ServerEvent {
	return c.events
}

// Notices delivers connection lifecycle notices for the UI.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. An explicit call always resets the
// reconnect attempt counter, including after the automatic retries were
// exhausted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("already %s", c.state)
	}
	c.attempts = 0
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	u, _ := url.Parse(c.cfg.URL)
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client is closed")
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	c.notify(Notice{Kind: NoticeConnected})
	c.log.Printf("session %s connected", c.sessionId)

	go c.readLoop(conn)
	go c.heartbeat(conn, stop)

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		ev, err := protocol.DecodeServerEvent(raw)
		if err != nil {
			// malformed frames are dropped, the connection stays up
			c.log.Println("dropping malformed envelope:", err)
			continue
		}

		select {
		case c.events <- ev:
		default:
			c.log.Printf("event buffer full, dropping %q", ev.EventType())
		}
	}
}

// heartbeat sends a ping envelope at a fixed interval. The server answers
// with pong eventually; no reply ordering is assumed. Writes go through
// c.mu like Send and Close do; gorilla supports one concurrent writer.
func (c *Client) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			data, err := protocol.EncodeClientEvent(protocol.Ping{})
			if err != nil {
				c.log.Println("encode ping:", err)
				continue
			}

			c.mu.Lock()
			if c.conn != conn {
				// the connection was replaced or torn down under us
				c.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()

			if err != nil {
				c.log.Println("heartbeat write:", err)
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if c.state == StateClosing || c.closed {
		c.state = StateClosed
		c.notifyLocked(Notice{Kind: NoticeDisconnected})
		return
	}

	c.state = StateClosed
	c.scheduleReconnectLocked(err)
}

// scheduleReconnectLocked applies the reconnect policy: fixed interval,
// bounded attempts, then stop until an explicit Connect. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked(cause error) {
	if !c.cfg.AutoReconnect || c.closed {
		c.notifyLocked(Notice{Kind: NoticeDisconnected, Err: cause})
		return
	}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.notifyLocked(Notice{
			Kind:        NoticeConnectionFailed,
			Attempt:     c.attempts,
			MaxAttempts: c.cfg.MaxReconnectAttempts,
			Err:         cause,
		})
		return
	}

	c.attempts++
	c.notifyLocked(Notice{
		Kind:        NoticeReconnecting,
		Attempt:     c.attempts,
		MaxAttempts: c.cfg.MaxReconnectAttempts,
		Err:         cause,
	})

	c.reconnect = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		if err := c.dial(context.Background()); err != nil {
			c.log.Println("reconnect:", err)
		}
	})
}

// Send transmits a client event. It reports failure instead of panicking;
// sending while the connection is not open is a no-op returning false.
func (c *Client) Send(ev protocol.ClientEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.conn == nil {
		return false
	}

	data, err := protocol.EncodeClientEvent(ev)
	if err != nil {
		c.log.Println("encode event:", err)
		return false
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Println("write event:", err)
		return false
	}

	return true
}

func (c *Client) JoinConversation(conversationId string) bool {
	return c.Send(protocol.JoinConversation{ConversationId: conversationId})
}

func (c *Client) SendMessage(ev protocol.SendMessage) bool {
	return c.Send(ev)
}

func (c *Client) Typing(conversationId string, isTyping bool) bool {
	return c.Send(protocol.Typing{ConversationId: conversationId, IsTyping: isTyping})
}

func (c *Client) MarkRead(conversationId string, messageId int) bool {
	return c.Send(protocol.MessageRead{ConversationId: conversationId, MessageId: messageId})
}

func (c *Client) AddReaction(messageId int, emoji string) bool {
	return c.Send(protocol.AddReaction{MessageId: messageId, Reaction: emoji})
}

func (c *Client) RemoveReaction(messageId int, emoji string) bool {
	return c.Send(protocol.RemoveReaction{MessageId: messageId, Reaction: emoji})
}

// Close tears the connection down for good: pending reconnect and heartbeat
// timers are cancelled, no further reconnects happen.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.state = StateClosing

	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}

	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err := c.conn.Close()
		c.conn = nil
		c.state = StateClosed
		return err
	}

	c.state = StateClosed
	return nil
}

func (c *Client) notify(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyLocked(n)
}

func (c *Client) notifyLocked(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log.Println("notice buffer full, dropping notice")
	}
}
