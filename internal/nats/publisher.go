package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lessonlab/collabsync/internal/domain"
)

// PublishRoom fans an envelope out to everyone subscribed to the room.
// The sender id travels alongside the envelope so subscriptions can
// suppress the echo.
func (c *NATSClient) PublishRoom(ctx context.Context, roomID, sender string, env domain.Envelope) error {
	data, err := json.Marshal(roomEvent{Sender: sender, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to serialize room event: %w", err)
	}
	return c.Conn.Publish(roomSubject(roomID), data)
}
