package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/pkg/logger"
)

// roomEvent wraps an envelope with its sender so subscribers can filter
// their own traffic before it echoes back over the websocket.
type roomEvent struct {
	Sender   string          `json:"sender"`
	Envelope domain.Envelope `json:"envelope"`
}

type NATSClient struct {
	Conn       *nats.Conn
	SubMapping map[string]*nats.Subscription // one subscription per room:user
	mu         sync.Mutex
	log        logger.Logger
}

func NewNATSClient(ctx context.Context, url string) (*NATSClient, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSClient{
		Conn:       nc,
		SubMapping: make(map[string]*nats.Subscription),
		log:        logger.FromContext(ctx).WithModule("nats"),
	}, nil
}

func (c *NATSClient) Close() {
	c.CleanupSubscriptions()
	c.Conn.Close()
}

func roomSubject(roomID string) string {
	return fmt.Sprintf("collab.room.%s", roomID)
}

func subKey(roomID, userID string) string {
	return fmt.Sprintf("%s:%s", roomID, userID)
}
