// Command chat is a small terminal client for the messaging server, mainly
// useful for poking at a running instance. It joins one conversation and
// relays lines from stdin as messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/learnloop/messaging/internal/client"
	"github.com/learnloop/messaging/internal/protocol"
)

var (
	serverURL    string
	token        string
	conversation string
)

func main() {
	flag.StringVar(&serverURL, "url", "ws://localhost:8000/ws", "websocket endpoint")
	flag.StringVar(&token, "token", "", "identity token")
	flag.StringVar(&conversation, "conversation", "", "conversation id to join")
	flag.Parse()

	if token == "" || conversation == "" {
		fmt.Fprintln(os.Stderr, "both -token and -conversation are required")
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "[chat] ", log.LstdFlags)

	c, err := client.New(client.Config{
		URL:           serverURL,
		Token:         token,
		AutoReconnect: true,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("new client: ", err)
	}
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		logger.Fatal("connect: ", err)
	}

	go func() {
		for {
			select {
			case ev := <-c.Events():
				printEvent(ev)

				// rejoin after the server confirms a fresh connection
				if _, ok := ev.(protocol.ConnectionEstablished); ok {
					c.JoinConversation(conversation)
				}
			case n := <-c.Notices():
				printNotice(n)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}

		if !c.SendMessage(protocol.SendMessage{
			ConversationId: conversation,
			Content:        line,
			ContentType:    "text/plain",
		}) {
			fmt.Println("! not connected, message not sent")
		}
	}
}

func printEvent(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.NewMessage:
		fmt.Printf("[%s] user %d: %s\n", e.Message.Timestamp.Format("15:04:05"), e.Message.SenderId, e.Message.Content)
	case protocol.ConversationJoined:
		fmt.Printf("joined %s (%d recent messages)\n", e.ConversationId, len(e.Messages))
		for _, msg := range e.Messages {
			fmt.Printf("[%s] user %d: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderId, msg.Content)
		}
	case protocol.TypingUpdate:
		if len(e.TypingUserIds) > 0 {
			fmt.Printf("typing: %v\n", e.TypingUserIds)
		}
	case protocol.PresenceUpdate:
		state := "left"
		if e.Present {
			state = "joined"
		}
		fmt.Printf("user %d %s\n", e.UserId, state)
	case protocol.ReactionUpdate:
		fmt.Printf("reactions on message %d: %v\n", e.MessageId, e.Reactions)
	case protocol.ReadUpdate:
		fmt.Printf("user %d read up to message %d\n", e.UserId, e.MessageId)
	case protocol.Error:
		fmt.Printf("! server error: %s\n", e.Message)
	}
}

func printNotice(n client.Notice) {
	switch n.Kind {
	case client.NoticeConnected:
		fmt.Println("* connected")
	case client.NoticeReconnecting:
		fmt.Printf("* attempting reconnect %d/%d\n", n.Attempt, n.MaxAttempts)
	case client.NoticeConnectionFailed:
		fmt.Println("* connection failed, use /quit and restart to retry")
	case client.NoticeDisconnected:
		fmt.Println("* disconnected")
	}
}
