package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/lessonlab/collabsync/internal/domain"
)

// SubscribeRoom subscribes a user to a room's envelope stream and filters
// out the user's own traffic. Duplicate subscriptions for the same
// room:user pair are a no-op.
func (c *NATSClient) SubscribeRoom(ctx context.Context, roomID, userID string, handle func(domain.Envelope)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey(roomID, userID)
	if _, exists := c.SubMapping[key]; exists {
		return nil
	}

	sub, err := c.Conn.Subscribe(roomSubject(roomID), func(msg *nats.Msg) {
		var ev roomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warnf("dropping malformed room event: %v", err)
			return
		}
		if ev.Sender != userID {
			handle(ev.Envelope)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}

	c.SubMapping[key] = sub
	return nil
}

// UnsubscribeRoom drops a user's subscription; missing subscriptions are
// not an error.
func (c *NATSClient) UnsubscribeRoom(ctx context.Context, roomID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey(roomID, userID)
	if sub, exists := c.SubMapping[key]; exists {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		delete(c.SubMapping, key)
	}
	return nil
}

// CleanupSubscriptions removes every active subscription. Used during
// shutdown; unsubscribe errors are ignored so cleanup always completes.
func (c *NATSClient) CleanupSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.SubMapping {
		_ = sub.Unsubscribe()
		delete(c.SubMapping, key)
	}
}
