// Command chatclient is a terminal client: it registers a device session,
// follows one chat over the notification socket and sends each stdin line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/auth"
	"chat-sync/internal/client"
	"chat-sync/internal/models"
)

// groupWindow joins consecutive lines of one author under a single header.
const groupWindow = 5 * time.Minute

type printer struct {
	session **client.Session
	refresh chan struct{}
}

func (p printer) MessagesChanged(chatID int) {
	s := *p.session
	if s == nil || s.Store.ActiveChat() != chatID {
		return
	}
	groups := client.GroupMessages(s.Store.Messages(), groupWindow)
	if len(groups) == 0 {
		return
	}
	group := groups[len(groups)-1]
	last := group.Entries[len(group.Entries)-1]
	if len(group.Entries) == 1 {
		fmt.Printf("-- user %d, %s\n", group.AuthorID, last.Message.CreatedAt.Local().Format("Jan 2 15:04"))
	}
	text := ""
	if last.Message.Text != nil {
		text = *last.Message.Text
	}
	fmt.Printf("  [%s] %s\n", last.State, text)
}

func (p printer) SummaryChanged(models.ChatSummary) {}

func (p printer) ChatRemoved(chatID int) {
	fmt.Printf("chat %d was deleted\n", chatID)
}

func (p printer) ActiveChatCleared(chatID int) {
	fmt.Printf("chat %d closed\n", chatID)
}

func (p printer) ChatListStale() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

func main() {
	apiURL := flag.String("api", "http://localhost:8083", "REST base url")
	wsURL := flag.String("ws", "ws://localhost:8086", "notification socket url")
	userToken := flag.String("token", os.Getenv("CHAT_TOKEN"), "user access token")
	chatID := flag.Int("chat", 0, "chat to follow")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	if *userToken == "" || *chatID == 0 {
		logger.Fatal("-token and -chat are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device, err := client.NewAPI(*apiURL, *userToken, nil).CreateSession(ctx, hostname(), "cli")
	if err != nil {
		logger.Fatal("create device session", zap.Error(err))
	}
	userID, err := userIDFromToken(device.AccessToken)
	if err != nil {
		logger.Fatal("read session token", zap.Error(err))
	}

	var session *client.Session
	obs := printer{session: &session, refresh: make(chan struct{}, 1)}
	session, err = client.NewSession(client.Config{
		BaseURL:     *apiURL,
		SocketURL:   *wsURL,
		UserID:      userID,
		SessionID:   device.ID,
		AccessToken: device.AccessToken,
		Reconnect:   &client.Backoff{Min: time.Second, Max: 30 * time.Second, Multiplier: 2},
		Observer:    obs,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("start session", zap.Error(err))
	}
	defer func() {
		session.Close()
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.API.DeleteSession(cleanup, device.ID); err != nil {
			logger.Warn("delete device session", zap.Error(err))
		}
	}()

	if err := session.Start(ctx); err != nil {
		logger.Fatal("load chats", zap.Error(err))
	}
	if err := session.OpenChat(ctx, *chatID); err != nil {
		logger.Fatal("open chat", zap.Error(err))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-obs.refresh:
				if err := session.RefreshChats(ctx); err != nil {
					logger.Warn("refresh chats", zap.Error(err))
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case strings.HasPrefix(line, "/retry "):
				if _, started := session.Tracker.Retry(strings.TrimPrefix(line, "/retry ")); !started {
					fmt.Println("nothing to retry")
				}
			default:
				task, err := session.Send(*chatID, line)
				if err != nil {
					logger.Warn("send", zap.Error(err))
					continue
				}
				go func() {
					if err := task.Wait(ctx); err != nil {
						fmt.Printf("send %s failed: %v (type /retry %s)\n", task.LocalID(), err, task.LocalID())
					}
				}()
			}
		}
	}
}

// userIDFromToken reads the user id claim without verifying the signature;
// the server verifies it on every request.
func userIDFromToken(token string) (int, error) {
	claims, err := auth.PeekClaims(token)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "cli"
	}
	return name
}
