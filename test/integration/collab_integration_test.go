package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessonlab/collabsync/api/ws"
	"github.com/lessonlab/collabsync/internal/channel"
	"github.com/lessonlab/collabsync/internal/config"
	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/internal/nats"
	"github.com/lessonlab/collabsync/internal/redis"
	"github.com/lessonlab/collabsync/internal/session"
	"github.com/lessonlab/collabsync/internal/websocket"
	"github.com/lessonlab/collabsync/pkg/logger"
	"github.com/lessonlab/collabsync/service"
)

// setupServer boots the full stack against live NATS and Redis; the suite
// skips when either backend is unreachable.
func setupServer(t *testing.T) *httptest.Server {
	cfg, err := config.ReadConfig("../../config_test.json")
	if err != nil {
		t.Skipf("test config unavailable: %v", err)
	}

	baseLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFile)
	ctx := logger.NewContext(context.Background(), baseLogger)

	natsClient, err := nats.NewNATSClient(ctx, cfg.NATSURL)
	if err != nil {
		t.Skipf("NATS unavailable: %v", err)
	}

	redisClient, err := redis.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		natsClient.Close()
		t.Skipf("Redis unavailable: %v", err)
	}
	require.NoError(t, redisClient.FlushAll(ctx))

	roomService := service.NewRoomService(ctx, natsClient, redisClient)
	hub := websocket.NewHub()
	server := httptest.NewServer(ws.SetupWebSocketRoutes(ws.WSConfig{
		Hub:         hub,
		RoomService: roomService,
		RootCtx:     ctx,
	}))

	t.Cleanup(func() {
		server.Close()
		hub.Close()
		redisClient.FlushAll(ctx)
		redisClient.Close()
		natsClient.Close()
	})

	return server
}

type testPeer struct {
	coord *session.Coordinator
	chats chan domain.ChatMessage
	join  chan domain.Peer
	left  chan domain.Peer
}

func connectPeer(t *testing.T, server *httptest.Server, userID, room string) *testPeer {
	p := &testPeer{
		chats: make(chan domain.ChatMessage, 16),
		join:  make(chan domain.Peer, 16),
		left:  make(chan domain.Peer, 16),
	}

	ch := channel.New(channel.Config{
		URL:               "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Token:             userID + ":" + userID,
		HeartbeatInterval: time.Second,
		ReconnectInterval: 100 * time.Millisecond,
	})
	p.coord = session.New(session.Config{
		Transport: ch,
		Self:      domain.Identity{ID: userID, DisplayName: userID},
		Callbacks: session.Callbacks{
			OnChatMessage: func(msg domain.ChatMessage) { p.chats <- msg },
			OnPeerJoined:  func(peer domain.Peer) { p.join <- peer },
			OnPeerLeft:    func(peer domain.Peer) { p.left <- peer },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.coord.JoinRoom(ctx, room))
	t.Cleanup(p.coord.LeaveRoom)
	return p
}

func TestJoinFallbackCreatesRoom(t *testing.T) {
	server := setupServer(t)

	peer := connectPeer(t, server, "creator", "itest-missing")
	require.Equal(t, "itest-missing", peer.coord.RoomID())
	require.Equal(t, domain.SyncSynced, peer.coord.SyncStatus())
	require.Equal(t, domain.QualityExcellent, peer.coord.Quality())
}

func TestTwoPeersExchangeChatAndPresence(t *testing.T) {
	server := setupServer(t)

	alice := connectPeer(t, server, "alice", "itest-room")
	bob := connectPeer(t, server, "bob", "itest-room")

	// Bob saw Alice in the join roster; Alice learns about Bob from the
	// roster broadcast that his join triggered.
	require.Eventually(t, func() bool {
		_, ok := alice.coord.PeerByID("bob")
		return ok
	}, 5*time.Second, 20*time.Millisecond, "alice should see bob")
	_, ok := bob.coord.PeerByID("alice")
	require.True(t, ok, "bob should see alice from the join roster")

	// Chat flows both ways; the sender's own ledger gets the echo.
	require.NoError(t, alice.coord.SendMessage("hello bob", domain.MessageTypeText, ""))

	select {
	case msg := <-bob.chats:
		require.Equal(t, "alice", msg.SenderID)
		require.Equal(t, "hello bob", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("bob never received the chat message")
	}

	require.Eventually(t, func() bool {
		return len(alice.coord.Messages()) == 1
	}, 5*time.Second, 20*time.Millisecond, "alice should receive her own echo")
	require.Zero(t, alice.coord.UnreadCount(), "own messages are not unread")
	require.Equal(t, 1, bob.coord.UnreadCount())

	// Cursor updates propagate into the peer registry.
	alice.coord.UpdateCursor(domain.Position{Line: 4, Column: 2})
	require.Eventually(t, func() bool {
		p, ok := bob.coord.PeerByID("alice")
		return ok && p.Cursor != nil && p.Cursor.Line == 4
	}, 5*time.Second, 20*time.Millisecond, "bob should see alice's cursor")

	// Leaving fires the diff-based peer-left callback on the survivor.
	alice.coord.LeaveRoom()
	select {
	case peer := <-bob.left:
		require.Equal(t, "alice", peer.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("bob never saw alice leave")
	}
}

func TestOperationRelayBumpsVersion(t *testing.T) {
	server := setupServer(t)

	alice := connectPeer(t, server, "alice", "itest-ops")
	bob := connectPeer(t, server, "bob", "itest-ops")

	alice.coord.SendOperation(domain.CodeOperation{
		Kind: domain.OperationInsert, Position: 0, Text: "package main",
	})

	require.Eventually(t, func() bool {
		return alice.coord.DocumentVersion() >= 1 && bob.coord.DocumentVersion() >= 1
	}, 5*time.Second, 20*time.Millisecond, "both peers should advance the document version")
}
