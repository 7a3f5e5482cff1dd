package ws

import (
	"context"
	"net/http"

	"github.com/lessonlab/collabsync/internal/port"
	"github.com/lessonlab/collabsync/internal/websocket"
	"github.com/lessonlab/collabsync/pkg/logger"
)

type WSConfig struct {
	Hub         *websocket.Hub
	RoomService port.RoomService
	Identity    IdentityFunc
	RootCtx     context.Context
}

func SetupWebSocketRoutes(cfg WSConfig) http.Handler {
	mux := http.NewServeMux()
	log := logger.FromContext(cfg.RootCtx).WithModule("websocket")
	identity := cfg.Identity
	if identity == nil {
		identity = DevIdentity
	}
	mux.HandleFunc("/ws", HandleWebSocket(cfg.Hub, cfg.RoomService, identity, cfg.RootCtx, log))
	return mux
}
