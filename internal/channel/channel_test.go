package channel

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonlab/collabsync/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer accepts websocket connections, forwards every received
// envelope, and exposes the raw server-side conns so tests can kill them.
type testServer struct {
	srv      *httptest.Server
	received chan domain.Envelope
	conns    chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		received: make(chan domain.Envelope, 64),
		conns:    make(chan *websocket.Conn, 8),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ts.received <- env
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) nextEnvelope(t *testing.T) domain.Envelope {
	select {
	case env := <-ts.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return domain.Envelope{}
	}
}

func newTestChannel(url string) *Channel {
	return New(Config{
		URL:                  url,
		HeartbeatInterval:    time.Hour, // keep heartbeats out of the way
		ReconnectInterval:    30 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
}

func mustEnvelope(t *testing.T, typ domain.EventType, payload interface{}) domain.Envelope {
	env, err := domain.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

func TestSendQueuesWhileClosed(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())

	first := mustEnvelope(t, domain.EventChat, map[string]string{"content": "one"})
	second := mustEnvelope(t, domain.EventChat, map[string]string{"content": "two"})
	third := mustEnvelope(t, domain.EventChat, map[string]string{"content": "three"})

	assert.False(t, ch.Send(first))
	assert.False(t, ch.Send(second))
	assert.False(t, ch.Send(third))
	assert.Equal(t, 3, ch.QueueLen())

	// Queued envelopes flush in FIFO order on open.
	require.NoError(t, ch.Connect())
	defer ch.Disconnect()

	for _, want := range []domain.Envelope{first, second, third} {
		got := ts.nextEnvelope(t)
		assert.Equal(t, want.MessageID, got.MessageID)
	}
	assert.Equal(t, 0, ch.QueueLen())
}

func TestSendTransmitsWhileOpen(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())
	require.NoError(t, ch.Connect())
	defer ch.Disconnect()

	env := mustEnvelope(t, domain.EventChat, map[string]string{"content": "hi"})
	assert.True(t, ch.Send(env))
	got := ts.nextEnvelope(t)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, domain.EventChat, got.Type)
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())
	require.NoError(t, ch.Connect())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect())
	assert.Equal(t, domain.StateOpen, ch.State())
}

func TestDisconnectNeverReconnects(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())
	require.NoError(t, ch.Connect())

	ch.Disconnect()
	assert.Equal(t, domain.StateClosed, ch.State())

	// Well past several reconnect intervals, nothing should have happened.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, domain.StateClosed, ch.State())
	assert.Equal(t, 0, ch.Attempts())

	// Calling it again is harmless.
	ch.Disconnect()
	assert.Equal(t, domain.StateClosed, ch.State())
}

func TestDisconnectDiscardsQueue(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())

	ch.Send(mustEnvelope(t, domain.EventChat, map[string]string{"content": "a"}))
	ch.Send(mustEnvelope(t, domain.EventChat, map[string]string{"content": "b"}))
	require.Equal(t, 2, ch.QueueLen())

	ch.Disconnect()
	assert.Equal(t, 0, ch.QueueLen())

	// Nothing was ever transmitted.
	select {
	case env := <-ts.received:
		t.Fatalf("unexpected envelope transmitted: %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// flakyWriter accepts failAfter writes, then errors on every write.
type flakyWriter struct {
	failAfter int
	written   []domain.Envelope
}

func (w *flakyWriter) WriteJSON(v interface{}) error {
	if len(w.written) >= w.failAfter {
		return errors.New("broken pipe")
	}
	w.written = append(w.written, v.(domain.Envelope))
	return nil
}

func TestQueueFlushKeepsUnsentRemainder(t *testing.T) {
	ch := newTestChannel("ws://unused")

	envs := make([]domain.Envelope, 4)
	for i := range envs {
		envs[i] = mustEnvelope(t, domain.EventChat, map[string]string{"n": fmt.Sprint(i)})
		ch.Send(envs[i])
	}
	require.Equal(t, 4, ch.QueueLen())

	// The connection dies after two writes; the tail must stay queued.
	w := &flakyWriter{failAfter: 2}
	ch.mu.Lock()
	ch.flushQueueLocked(w)
	ch.mu.Unlock()

	require.Len(t, w.written, 2)
	assert.Equal(t, envs[0].MessageID, w.written[0].MessageID)
	assert.Equal(t, envs[1].MessageID, w.written[1].MessageID)
	require.Equal(t, 2, ch.QueueLen())

	// The next flush delivers the remainder, still in order.
	w2 := &flakyWriter{failAfter: 10}
	ch.mu.Lock()
	ch.flushQueueLocked(w2)
	ch.mu.Unlock()

	require.Len(t, w2.written, 2)
	assert.Equal(t, envs[2].MessageID, w2.written[0].MessageID)
	assert.Equal(t, envs[3].MessageID, w2.written[1].MessageID)
	assert.Zero(t, ch.QueueLen())
}

func TestBoundedReconnect(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())
	require.NoError(t, ch.Connect())

	serverConn := <-ts.conns
	// Kill the connection without a close frame, then take the server
	// away entirely so every retry fails.
	serverConn.Close()
	ts.srv.CloseClientConnections()
	ts.srv.Close()

	require.Eventually(t, func() bool {
		return ch.State() == domain.StateError
	}, 5*time.Second, 10*time.Millisecond, "channel should settle into terminal error state")

	assert.Equal(t, 5, ch.Attempts())
	assert.ErrorIs(t, ch.Err(), ErrMaxReconnects)

	// Terminal means terminal: no further attempts on their own.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 5, ch.Attempts())
}

func TestReconnectResetsAttemptCounter(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())

	var mu sync.Mutex
	var states []domain.ConnectionState
	ch.SetHandlers(Handlers{OnStateChange: func(s domain.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})

	require.NoError(t, ch.Connect())

	serverConn := <-ts.conns
	serverConn.Close() // abnormal close; server stays up

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		sawReconnecting := false
		for _, s := range states {
			if s == domain.StateReconnecting {
				sawReconnecting = true
			} else if sawReconnecting && s == domain.StateOpen {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "channel should pass through reconnecting and reopen")

	assert.Equal(t, 0, ch.Attempts())
	ch.Disconnect()
}

func TestMalformedInboundDropped(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(ts.url())

	got := make(chan domain.Envelope, 4)
	ch.SetHandlers(Handlers{OnEnvelope: func(env domain.Envelope) { got <- env }})

	require.NoError(t, ch.Connect())
	defer ch.Disconnect()

	serverConn := <-ts.conns
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	valid := mustEnvelope(t, domain.EventNotification, domain.NotificationPayload{Kind: "info", Message: "ok"})
	require.NoError(t, serverConn.WriteJSON(valid))

	select {
	case env := <-got:
		assert.Equal(t, valid.MessageID, env.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope after malformed frame never arrived")
	}
	assert.Equal(t, domain.StateOpen, ch.State())
}

func TestHeartbeatWhileOpen(t *testing.T) {
	ts := newTestServer(t)
	ch := New(Config{
		URL:                  ts.url(),
		HeartbeatInterval:    20 * time.Millisecond,
		ReconnectInterval:    30 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	require.NoError(t, ch.Connect())

	require.Eventually(t, func() bool {
		select {
		case env := <-ts.received:
			return env.Type == domain.EventHeartbeat
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond, "expected a heartbeat envelope")

	// Heartbeats stop as soon as the channel leaves the open state.
	ch.Disconnect()
	for len(ts.received) > 0 {
		<-ts.received
	}
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, ts.received)
}

func TestTokenCarriedAsQueryParam(t *testing.T) {
	gotToken := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ch := New(Config{
		URL:                  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:                "u1:Ada",
		HeartbeatInterval:    time.Hour,
		ReconnectInterval:    30 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	_ = ch.Connect()
	defer ch.Disconnect()

	select {
	case token := <-gotToken:
		assert.Equal(t, "u1:Ada", token)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the dial")
	}
}
