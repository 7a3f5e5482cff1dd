package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/internal/port"
	"github.com/lessonlab/collabsync/pkg/logger"
	"github.com/lessonlab/collabsync/service"
)

// Connection is one client's websocket session on the server. The read
// pump demultiplexes inbound envelopes into room-service calls; the write
// pump serializes everything queued on Send.
type Connection struct {
	Ws       *websocket.Conn
	Send     chan domain.Envelope
	Hub      *Hub
	Identity domain.Identity
	RoomID   string
	Service  port.RoomService
	Logger   logger.Logger
	Ctx      context.Context

	sendMu sync.Mutex
	closed bool
}

// CloseSend closes the send channel exactly once. Broker callbacks can
// still call Deliver briefly after unsubscribe, so shutdown and delivery
// synchronize here instead of relying on unsubscribe ordering.
func (c *Connection) CloseSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *Connection) ReadPump() {
	defer func() {
		if c.RoomID != "" {
			if err := c.Service.LeaveRoom(c.Ctx, c.RoomID, c.Identity.ID); err != nil {
				c.Logger.Errorf("leave on disconnect failed: %v", err)
			}
		}
		c.Hub.Unregister(c)
		c.Ws.Close()
	}()

	for {
		_, data, err := c.Ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Logger.Warnf("read error from %s: %v", c.Identity.ID, err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames never take the connection down.
			c.Logger.Warnf("dropping malformed frame from %s: %v", c.Identity.ID, err)
			continue
		}

		c.handleEnvelope(env)
	}
}

// WritePump listens on the send channel and writes envelopes to the
// WebSocket.
func (c *Connection) WritePump() {
	defer c.Ws.Close()

	for env := range c.Send {
		if err := c.Ws.WriteJSON(env); err != nil {
			c.Logger.Errorf("write error to %s: %v", c.Identity.ID, err)
			break
		}
	}
}

func (c *Connection) handleEnvelope(env domain.Envelope) {
	switch env.Type {
	case domain.EventSyncJoin:
		c.handleJoin(env, false)

	case domain.EventSyncCreate:
		c.handleJoin(env, true)

	case domain.EventHeartbeat:
		if c.RoomID != "" {
			if err := c.Service.Touch(c.Ctx, c.RoomID, c.Identity.ID); err != nil {
				c.Logger.Debugf("touch failed for %s: %v", c.Identity.ID, err)
			}
		}

	case domain.EventChat:
		c.relayChat(env)

	case domain.EventUpdate:
		c.relayUpdate(env)

	case domain.EventOperation:
		c.relayOperation(env)

	case domain.EventExecutionStart, domain.EventExecutionResult, domain.EventNotification:
		if c.RoomID != "" {
			c.Service.Publish(c.Ctx, c.RoomID, c.Identity.ID, env)
		}

	default:
		c.Logger.Debugf("ignoring envelope type %q from %s", env.Type, c.Identity.ID)
	}
}

func (c *Connection) handleJoin(env domain.Envelope, create bool) {
	var p domain.JoinPayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warnf("bad join payload from %s: %v", c.Identity.ID, err)
		c.replyError("bad_payload", err.Error())
		return
	}

	var (
		result port.JoinResult
		err    error
	)
	if create {
		result, err = c.Service.CreateRoom(c.Ctx, p.RoomID, c.Identity, c.Deliver)
	} else {
		result, err = c.Service.JoinRoom(c.Ctx, p.RoomID, c.Identity, c.Deliver)
	}
	if err != nil {
		code := "join_failed"
		if errors.Is(err, service.ErrRoomNotFound) {
			code = domain.ErrCodeRoomNotFound
		}
		c.replyError(code, err.Error())
		return
	}

	c.RoomID = result.RoomID
	verdict := domain.EventSyncJoined
	if create {
		verdict = domain.EventSyncCreated
	}
	c.reply(verdict, domain.JoinedPayload{
		RoomID:  result.RoomID,
		Version: result.Version,
		Peers:   result.Peers,
	})
}

// relayChat stamps sender and id, publishes to the room, and echoes the
// canonical envelope back to the sender: the client ledger orders by
// arrival of the confirmed message, not optimistically.
func (c *Connection) relayChat(env domain.Envelope) {
	if c.RoomID == "" {
		return
	}
	var msg domain.ChatMessage
	if err := env.Decode(&msg); err != nil {
		c.Logger.Warnf("bad chat payload from %s: %v", c.Identity.ID, err)
		return
	}
	msg.SenderID = c.Identity.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	out, err := domain.NewEnvelope(domain.EventChat, msg)
	if err != nil {
		c.Logger.Errorf("failed to rebuild chat envelope: %v", err)
		return
	}
	if err := c.Service.Publish(c.Ctx, c.RoomID, c.Identity.ID, out); err == nil {
		c.Deliver(out)
	}
}

func (c *Connection) relayUpdate(env domain.Envelope) {
	if c.RoomID == "" {
		return
	}
	var p domain.UpdatePayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warnf("bad update payload from %s: %v", c.Identity.ID, err)
		return
	}
	p.UserID = c.Identity.ID
	out, err := domain.NewEnvelope(domain.EventUpdate, p)
	if err != nil {
		c.Logger.Errorf("failed to rebuild update envelope: %v", err)
		return
	}
	c.Service.Publish(c.Ctx, c.RoomID, c.Identity.ID, out)
	if err := c.Service.Touch(c.Ctx, c.RoomID, c.Identity.ID); err != nil {
		c.Logger.Debugf("touch failed for %s: %v", c.Identity.ID, err)
	}
}

// relayOperation stamps the operation with the next document version and
// fans it out, echoing to the sender so its version counter tracks the
// server's.
func (c *Connection) relayOperation(env domain.Envelope) {
	if c.RoomID == "" {
		return
	}
	var op domain.CodeOperation
	if err := env.Decode(&op); err != nil {
		c.Logger.Warnf("bad operation payload from %s: %v", c.Identity.ID, err)
		return
	}
	op.UserID = c.Identity.ID
	version, err := c.Service.RecordOperation(c.Ctx, c.RoomID)
	if err != nil {
		c.Logger.Errorf("failed to record operation: %v", err)
	} else {
		op.Version = version
	}
	out, err := domain.NewEnvelope(domain.EventOperation, op)
	if err != nil {
		c.Logger.Errorf("failed to rebuild operation envelope: %v", err)
		return
	}
	if err := c.Service.Publish(c.Ctx, c.RoomID, c.Identity.ID, out); err == nil {
		c.Deliver(out)
	}
}

// Deliver queues an envelope for the write pump, dropping when the client
// cannot keep up. A no-op once the connection is closed.
func (c *Connection) Deliver(env domain.Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- env:
	default:
		c.Logger.Warnf("send buffer full for %s, dropping %s", c.Identity.ID, env.Type)
	}
}

func (c *Connection) reply(t domain.EventType, payload interface{}) {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		c.Logger.Errorf("failed to build %s reply: %v", t, err)
		return
	}
	c.Deliver(env)
}

func (c *Connection) replyError(code, message string) {
	c.reply(domain.EventSyncError, domain.SyncErrorPayload{Code: code, Message: message})
}
