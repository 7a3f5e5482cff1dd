package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lessonlab/collabsync/api/ws"
	"github.com/lessonlab/collabsync/internal/config"
	"github.com/lessonlab/collabsync/internal/nats"
	"github.com/lessonlab/collabsync/internal/port"
	"github.com/lessonlab/collabsync/internal/redis"
	"github.com/lessonlab/collabsync/internal/websocket"
	"github.com/lessonlab/collabsync/pkg/logger"
	"github.com/lessonlab/collabsync/service"
)

// App represents the main application structure holding all dependencies
type App struct {
	cfg         config.Config
	logger      logger.Logger
	natsClient  *nats.NATSClient
	redisClient *redis.RedisClient
	roomService port.RoomService
	hub         *websocket.Hub
	httpServer  *http.Server
	rootCtx     context.Context
	cancel      context.CancelFunc
}

// NewApp initializes and connects all application dependencies
func NewApp(cfg config.Config) (*App, error) {
	baseLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFile)
	rootCtx := logger.NewContext(context.Background(), baseLogger)
	rootCtx, rootCancel := context.WithCancel(rootCtx)

	log := logger.FromContext(rootCtx).WithModule("app")
	log.Infof("Initializing application components...")

	natsClient, err := nats.NewNATSClient(rootCtx, cfg.NATSURL)
	if err != nil {
		rootCancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	redisClient, err := redis.NewRedisClient(rootCtx, cfg.RedisURL)
	if err != nil {
		rootCancel()
		natsClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	roomService := service.NewRoomService(rootCtx, natsClient, redisClient)
	hub := websocket.NewHub()
	httpServer := createHTTPServer(rootCtx, cfg.Port, hub, roomService)

	app := &App{
		cfg:         cfg,
		logger:      log,
		natsClient:  natsClient,
		redisClient: redisClient,
		roomService: roomService,
		hub:         hub,
		httpServer:  httpServer,
		rootCtx:     rootCtx,
		cancel:      rootCancel,
	}

	log.Infof("Application initialized successfully")
	return app, nil
}

func createHTTPServer(ctx context.Context, port int, hub *websocket.Hub, roomService port.RoomService) *http.Server {
	wsConfig := ws.WSConfig{
		Hub:         hub,
		RoomService: roomService,
		RootCtx:     ctx,
	}

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: ws.SetupWebSocketRoutes(wsConfig),
	}
}

// Start runs the application and handles graceful shutdown on signal
func (a *App) Start() error {
	log := a.logger.WithFields(map[string]interface{}{
		"port": a.cfg.Port,
	})

	log.Infof("Starting collaboration server")

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Fatalf("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.WithFields(map[string]interface{}{
		"signal": sig.String(),
	}).Warnf("Received shutdown signal")

	return a.Stop()
}

// Stop gracefully shuts down the server and closes all connections
func (a *App) Stop() error {
	log := a.logger.WithFields(map[string]interface{}{
		"shutdown_timeout": "5s",
	})

	log.Infof("Initiating graceful shutdown")

	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Errorf("HTTP server shutdown error")
	}

	log.Infof("Closing websocket hub")
	a.hub.Close()

	log.Infof("Closing NATS connection")
	a.natsClient.Close()

	log.Infof("Closing Redis connection")
	a.redisClient.Close()

	log.Infof("Shutdown completed successfully")
	return nil
}
