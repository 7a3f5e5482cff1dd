package ws

import (
	"context"
	"net/http"

	gws "github.com/gorilla/websocket"

	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/internal/port"
	"github.com/lessonlab/collabsync/internal/websocket"
	"github.com/lessonlab/collabsync/pkg/logger"
)

var upgrader = gws.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for testing; restrict in production.
	},
}

// IdentityFunc resolves a bearer token into the user's identity.
type IdentityFunc func(token string) (domain.Identity, error)

func HandleWebSocket(
	hub *websocket.Hub,
	roomService port.RoomService,
	identity IdentityFunc,
	rootCtx context.Context,
	logg logger.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			logg.Errorf("missing token param from %s", r.RemoteAddr)
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}

		ident, err := identity(token)
		if err != nil {
			logg.Errorf("identity rejected for %s: %v", r.RemoteAddr, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logg.Errorf("upgrade error: %v", err)
			return
		}

		client := &websocket.Connection{
			Ws:       conn,
			Send:     make(chan domain.Envelope, 256),
			Hub:      hub,
			Identity: ident,
			Service:  roomService,
			Logger:   logg,
			// The request context dies when this handler returns; the
			// pumps outlive it, so they run on the application context.
			Ctx: rootCtx,
		}

		hub.Register(client)
		logg.Infof("new connection from %s (user=%s)", conn.RemoteAddr(), ident.ID)

		go client.ReadPump()
		go client.WritePump()

		client.Deliver(mustEnvelope(domain.EventConnectionEstablished, nil))
	}
}

func mustEnvelope(t domain.EventType, payload interface{}) domain.Envelope {
	env, _ := domain.NewEnvelope(t, payload)
	return env
}
