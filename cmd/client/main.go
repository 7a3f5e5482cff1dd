package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lessonlab/collabsync/internal/channel"
	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/internal/session"
	"github.com/lessonlab/collabsync/pkg/logger"
)

var (
	addr = flag.String("addr", "localhost:8080", "collaboration server address")
	room = flag.String("room", "playground", "room to join (created when missing)")
)

func main() {
	flag.Parse()

	username := getUsername()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	logg := logger.NewLogger("info", "")

	ch := channel.New(channel.Config{
		URL:    u.String(),
		Token:  username + ":" + username,
		Logger: logg,
	})

	coord := session.New(session.Config{
		Transport: ch,
		Self:      domain.Identity{ID: username, DisplayName: username},
		Logger:    logg,
		Callbacks: session.Callbacks{
			OnPeerJoined: func(p domain.Peer) {
				fmt.Printf("* %s joined\n", p.DisplayName)
			},
			OnPeerLeft: func(p domain.Peer) {
				fmt.Printf("* %s left\n", p.DisplayName)
			},
			OnChatMessage: func(msg domain.ChatMessage) {
				fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderID, msg.Content)
			},
			OnOperation: func(op domain.CodeOperation) {
				fmt.Printf("* %s edited (v%d)\n", op.UserID, op.Version)
			},
			OnSyncStatus: func(s domain.SyncStatus) {
				fmt.Printf("* sync: %s\n", s)
			},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := coord.JoinRoom(ctx, *room); err != nil {
		cancel()
		log.Fatalf("Failed to join room %s: %v", *room, err)
	}
	cancel()

	fmt.Printf("Joined room %s. Type messages, /peers, or /quit:\n", coord.RoomID())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		coord.LeaveRoom()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			coord.LeaveRoom()
			return
		case line == "/peers":
			for _, p := range coord.ActivePeers() {
				fmt.Printf("  %s (last active %s)\n", p.DisplayName, p.LastActive.Format("15:04:05"))
			}
		default:
			if err := coord.SendMessage(line, domain.MessageTypeText, ""); err != nil {
				log.Printf("Send failed: %v", err)
			}
		}
	}
}

func getUsername() string {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("Enter your username: ")
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}
