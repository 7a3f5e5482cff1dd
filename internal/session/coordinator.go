package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonlab/collabsync/internal/channel"
	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/pkg/logger"
)

var (
	// ErrNotConnected is returned by operations that require a joined room.
	ErrNotConnected = errors.New("not connected to a room")
	// ErrRoomUnavailable is returned when both joining and creating the
	// room failed; the session settles offline/disconnected.
	ErrRoomUnavailable = errors.New("room unavailable")
)

// Transport is the message channel the coordinator drives. *channel.Channel
// is the production implementation.
type Transport interface {
	Connect() error
	Disconnect()
	Send(domain.Envelope) bool
	State() domain.ConnectionState
	SetHandlers(channel.Handlers)
}

type Callbacks struct {
	OnPeerJoined   func(domain.Peer)
	OnPeerLeft     func(domain.Peer)
	OnOperation    func(domain.CodeOperation)
	OnChatMessage  func(domain.ChatMessage)
	OnSyncStatus   func(domain.SyncStatus)
	OnNotification func(domain.Envelope)
}

type Config struct {
	Transport Transport
	Self      domain.Identity
	Callbacks Callbacks
	Logger    logger.Logger

	JoinTimeout time.Duration

	// Trailing-edge throttle windows for high-frequency local events.
	OperationInterval time.Duration
	CursorInterval    time.Duration
	SelectionInterval time.Duration
}

// joinVerdict is the server's answer to sync.join / sync.create.
type joinVerdict struct {
	payload domain.JoinedPayload
	errCode string
	errMsg  string
}

// Coordinator owns the session state for one room: peers, document
// version, sync status, and chat history. All mutation happens under one
// mutex, giving the single-writer discipline the state model requires.
type Coordinator struct {
	cfg       Config
	log       logger.Logger
	transport Transport

	mu        sync.Mutex
	roomID    string
	connected bool
	peers     *presenceRegistry
	ledger    *chatLedger
	version   int64
	status    domain.SyncStatus
	quality   domain.ConnectionQuality
	pending   chan joinVerdict
	resyncing bool // set while recovering from an automatic reconnect

	opThrottle     *throttle
	cursorThrottle *throttle
	selThrottle    *throttle
}

func New(cfg Config) *Coordinator {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.OperationInterval <= 0 {
		cfg.OperationInterval = 50 * time.Millisecond
	}
	if cfg.CursorInterval <= 0 {
		cfg.CursorInterval = 50 * time.Millisecond
	}
	if cfg.SelectionInterval <= 0 {
		cfg.SelectionInterval = 100 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger("info", "")
	}
	c := &Coordinator{
		cfg:            cfg,
		log:            log.WithModule("session"),
		transport:      cfg.Transport,
		peers:          newPresenceRegistry(),
		ledger:         &chatLedger{},
		status:         domain.SyncOffline,
		quality:        domain.QualityDisconnected,
		opThrottle:     newThrottle(cfg.OperationInterval),
		cursorThrottle: newThrottle(cfg.CursorInterval),
		selThrottle:    newThrottle(cfg.SelectionInterval),
	}
	c.transport.SetHandlers(channel.Handlers{
		OnEnvelope:    c.handleEnvelope,
		OnStateChange: c.handleStateChange,
		OnError:       func(err error) { c.log.Warnf("channel error: %v", err) },
	})
	return c
}

// JoinRoom joins the room, or creates it when the server reports it does
// not exist. Failure of both paths settles the session offline and
// disconnected and returns the error.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	if err := c.transport.Connect(); err != nil {
		c.settleOffline()
		return fmt.Errorf("connect: %w", err)
	}
	return c.join(ctx, roomID)
}

// join runs the handshake: sync.join, falling back to sync.create when
// the room is unknown, then commits the verdict into local state.
func (c *Coordinator) join(ctx context.Context, roomID string) error {
	verdict, err := c.request(ctx, domain.EventSyncJoin, domain.JoinPayload{RoomID: roomID})
	if err == nil && verdict.errCode == domain.ErrCodeRoomNotFound {
		c.log.Infof("room %s not found, creating", roomID)
		verdict, err = c.request(ctx, domain.EventSyncCreate, domain.JoinPayload{RoomID: roomID})
	}
	if err == nil && verdict.errCode != "" {
		err = fmt.Errorf("%w: %s", ErrRoomUnavailable, verdict.errCode)
	}
	if err != nil {
		c.settleOffline()
		c.transport.Disconnect()
		return err
	}

	c.mu.Lock()
	c.roomID = verdict.payload.RoomID
	c.connected = true
	c.version = verdict.payload.Version
	c.status = domain.SyncSynced
	c.quality = domain.QualityExcellent
	c.resyncing = false
	joined, left := c.peers.replace(c.withoutSelf(verdict.payload.Peers), time.Now())
	c.mu.Unlock()

	c.firePeerDiff(joined, left)
	c.fireSyncStatus(domain.SyncSynced)
	c.log.Infof("joined room %s as %s", verdict.payload.RoomID, c.cfg.Self.ID)
	return nil
}

// rejoin restores room membership after an automatic reconnect. The new
// connection is a stranger to the server, so the handshake runs again;
// the create fallback covers a room that emptied and was removed while
// this client was away.
func (c *Coordinator) rejoin(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.JoinTimeout)
	defer cancel()

	if err := c.join(ctx, roomID); err != nil {
		c.log.Errorf("rejoin of room %s failed: %v", roomID, err)
	}
}

// LeaveRoom disconnects the channel and clears peers, chat history, and
// the unread counter. Envelopes still queued in the channel are discarded.
func (c *Coordinator) LeaveRoom() {
	c.opThrottle.stop()
	c.cursorThrottle.stop()
	c.selThrottle.stop()
	c.transport.Disconnect()

	c.mu.Lock()
	c.roomID = ""
	c.connected = false
	c.version = 0
	c.status = domain.SyncOffline
	c.quality = domain.QualityDisconnected
	c.resyncing = false
	c.peers.clear()
	c.ledger.reset()
	c.mu.Unlock()
}

// SendOperation broadcasts an edit operation, throttled trailing-edge.
// No-op while not connected.
func (c *Coordinator) SendOperation(op domain.CodeOperation) {
	if !c.isConnected() {
		return
	}
	op.UserID = c.cfg.Self.ID
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	c.opThrottle.do(func() { c.sendEnvelope(domain.EventOperation, op) })
}

// UpdateCursor broadcasts the local cursor position, throttled
// trailing-edge. No-op while not connected.
func (c *Coordinator) UpdateCursor(pos domain.Position) {
	if !c.isConnected() {
		return
	}
	p := pos
	c.cursorThrottle.do(func() {
		c.sendEnvelope(domain.EventUpdate, domain.UpdatePayload{
			UserID: c.cfg.Self.ID,
			Cursor: &p,
		})
	})
}

// UpdateSelection broadcasts the local selection; nil clears it.
func (c *Coordinator) UpdateSelection(sel *domain.Range) {
	if !c.isConnected() {
		return
	}
	c.selThrottle.do(func() {
		c.sendEnvelope(domain.EventUpdate, domain.UpdatePayload{
			UserID:    c.cfg.Self.ID,
			Selection: sel,
		})
	})
}

// SendMessage sends a chat message. The ledger is not updated optimistically;
// canonical ordering is determined by arrival of the server-confirmed
// envelope.
func (c *Coordinator) SendMessage(content string, msgType domain.MessageType, codeLanguage string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	if msgType == "" {
		msgType = domain.MessageTypeText
	}
	msg := domain.ChatMessage{
		ID:           uuid.NewString(),
		SenderID:     c.cfg.Self.ID,
		Content:      content,
		Type:         msgType,
		CodeLanguage: codeLanguage,
		Timestamp:    time.Now().UTC(),
	}
	return c.sendEnvelope(domain.EventChat, msg)
}

func (c *Coordinator) ClearUnread() {
	c.mu.Lock()
	c.ledger.clearUnread()
	c.mu.Unlock()
}

func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.unread
}

func (c *Coordinator) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.snapshot()
}

func (c *Coordinator) PeerByID(userID string) (domain.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.get(userID)
}

func (c *Coordinator) IsUserTyping(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers.get(userID)
	return ok && p.IsTyping
}

// ActivePeers returns peers seen within the last 30 seconds, boundary
// inclusive.
func (c *Coordinator) ActivePeers() []domain.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.active(time.Now())
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RoomID:            c.roomID,
		Peers:             c.peers.all(),
		DocumentVersion:   c.version,
		SyncStatus:        c.status,
		ConnectionQuality: c.quality,
		ChatMessages:      c.ledger.snapshot(),
		UnreadCount:       c.ledger.unread,
	}
}

func (c *Coordinator) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Coordinator) SyncStatus() domain.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) Quality() domain.ConnectionQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Coordinator) DocumentVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// request sends a join/create envelope and waits for the server verdict.
func (c *Coordinator) request(ctx context.Context, t domain.EventType, payload interface{}) (joinVerdict, error) {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		return joinVerdict{}, err
	}

	ch := make(chan joinVerdict, 1)
	c.mu.Lock()
	c.pending = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if !c.transport.Send(env) {
		return joinVerdict{}, ErrNotConnected
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return joinVerdict{}, ctx.Err()
	case <-time.After(c.cfg.JoinTimeout):
		return joinVerdict{}, fmt.Errorf("timed out waiting for %s verdict", t)
	}
}

// handleEnvelope demultiplexes every inbound envelope by tag. Unknown tags
// are ignored, never fatal.
func (c *Coordinator) handleEnvelope(env domain.Envelope) {
	switch env.Type {
	case domain.EventSyncJoined, domain.EventSyncCreated:
		var p domain.JoinedPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warnf("bad %s payload: %v", env.Type, err)
			return
		}
		c.deliverVerdict(joinVerdict{payload: p})

	case domain.EventSyncError:
		var p domain.SyncErrorPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warnf("bad sync.error payload: %v", err)
			return
		}
		c.deliverVerdict(joinVerdict{errCode: p.Code, errMsg: p.Message})

	case domain.EventSyncStatus:
		var p domain.SyncStatusPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warnf("bad sync.status payload: %v", err)
			return
		}
		c.mu.Lock()
		c.status = p.Status
		c.mu.Unlock()
		c.fireSyncStatus(p.Status)

	case domain.EventPresence:
		var p domain.PresencePayload
		if err := env.Decode(&p); err != nil {
			c.log.Warnf("bad presence payload: %v", err)
			return
		}
		c.mu.Lock()
		joined, left := c.peers.replace(c.withoutSelf(p.Peers), time.Now())
		c.mu.Unlock()
		c.firePeerDiff(joined, left)

	case domain.EventUpdate:
		var p domain.UpdatePayload
		if err := env.Decode(&p); err != nil {
			c.log.Warnf("bad update payload: %v", err)
			return
		}
		if p.UserID == c.cfg.Self.ID {
			return
		}
		c.mu.Lock()
		c.peers.upsert(p, time.Now())
		c.mu.Unlock()

	case domain.EventOperation:
		var op domain.CodeOperation
		if err := env.Decode(&op); err != nil {
			c.log.Warnf("bad operation payload: %v", err)
			return
		}
		c.mu.Lock()
		if op.Version > c.version {
			c.version = op.Version
		} else {
			c.version++
		}
		c.mu.Unlock()
		if op.UserID == c.cfg.Self.ID {
			return
		}
		if cb := c.cfg.Callbacks.OnOperation; cb != nil {
			cb(op)
		}

	case domain.EventChat:
		var msg domain.ChatMessage
		if err := env.Decode(&msg); err != nil {
			c.log.Warnf("bad chat payload: %v", err)
			return
		}
		c.mu.Lock()
		c.ledger.append(msg, msg.SenderID != c.cfg.Self.ID)
		c.mu.Unlock()
		if cb := c.cfg.Callbacks.OnChatMessage; cb != nil {
			cb(msg)
		}

	case domain.EventNotification, domain.EventExecutionStart, domain.EventExecutionResult:
		if cb := c.cfg.Callbacks.OnNotification; cb != nil {
			cb(env)
		}

	case domain.EventHeartbeat, domain.EventConnectionEstablished:
		// nothing to do

	default:
		c.log.Debugf("ignoring unknown envelope type %q", env.Type)
	}
}

// handleStateChange maps channel transitions onto connection quality and
// sync status. A reopen after an automatic reconnect re-runs the join
// handshake for the current room, restoring synced and refreshing the
// roster; content reconciliation is the document model's responsibility.
func (c *Coordinator) handleStateChange(s domain.ConnectionState) {
	switch s {
	case domain.StateReconnecting:
		c.mu.Lock()
		c.quality = domain.QualityReconnecting
		c.status = domain.SyncSyncing
		c.resyncing = true
		c.mu.Unlock()
		c.fireSyncStatus(domain.SyncSyncing)

	case domain.StateError:
		c.mu.Lock()
		c.quality = domain.QualityDisconnected
		c.status = domain.SyncOffline
		c.resyncing = false
		c.mu.Unlock()
		c.fireSyncStatus(domain.SyncOffline)

	case domain.StateOpen:
		var room string
		c.mu.Lock()
		if c.resyncing {
			c.quality = domain.QualityExcellent
			c.status = domain.SyncSyncing
			c.resyncing = false
			room = c.roomID
		}
		c.mu.Unlock()
		if room != "" {
			go c.rejoin(room)
		}
	}
}

func (c *Coordinator) deliverVerdict(v joinVerdict) {
	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()
	if ch == nil {
		c.log.Debugf("dropping unsolicited sync verdict")
		return
	}
	select {
	case ch <- v:
	default:
	}
}

func (c *Coordinator) sendEnvelope(t domain.EventType, payload interface{}) error {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		c.log.Errorf("failed to build %s envelope: %v", t, err)
		return err
	}
	c.transport.Send(env)
	return nil
}

func (c *Coordinator) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.transport.State() == domain.StateOpen
}

func (c *Coordinator) settleOffline() {
	c.mu.Lock()
	c.connected = false
	c.status = domain.SyncOffline
	c.quality = domain.QualityDisconnected
	c.mu.Unlock()
	c.fireSyncStatus(domain.SyncOffline)
}

func (c *Coordinator) withoutSelf(peers []domain.Peer) []domain.Peer {
	out := peers[:0:0]
	for _, p := range peers {
		if p.UserID != c.cfg.Self.ID {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) firePeerDiff(joined, left []domain.Peer) {
	if cb := c.cfg.Callbacks.OnPeerJoined; cb != nil {
		for _, p := range joined {
			cb(p)
		}
	}
	if cb := c.cfg.Callbacks.OnPeerLeft; cb != nil {
		for _, p := range left {
			cb(p)
		}
	}
}

func (c *Coordinator) fireSyncStatus(s domain.SyncStatus) {
	if cb := c.cfg.Callbacks.OnSyncStatus; cb != nil {
		cb(s)
	}
}
