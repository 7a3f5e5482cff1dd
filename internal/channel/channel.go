package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/pkg/logger"
)

// ErrMaxReconnects is reported when the bounded reconnect sequence is
// exhausted. The channel stays in the error state until Connect is called
// again by the owner.
var ErrMaxReconnects = errors.New("maximum reconnect attempts reached")

type Config struct {
	URL   string
	Token string // bearer credential, carried as a connection parameter

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	Logger logger.Logger
}

type Handlers struct {
	OnEnvelope    func(domain.Envelope)
	OnStateChange func(domain.ConnectionState)
	OnError       func(error)
}

// Channel owns one duplex connection to the collaboration server. Envelopes
// sent while not open are queued and flushed in FIFO order on the next
// successful open. An abnormal close triggers fixed-interval reconnection
// bounded by MaxReconnectAttempts; an intentional Disconnect never does.
type Channel struct {
	cfg Config
	log logger.Logger

	mu            sync.Mutex
	handlers      Handlers
	conn          *websocket.Conn
	state         domain.ConnectionState
	queue         []domain.Envelope
	attempts      int
	intentional   bool
	lastErr       error
	heartbeatStop chan struct{}
	gen           int // connection generation, orphans stale read pumps
}

func New(cfg Config) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger("info", "")
	}
	return &Channel{
		cfg:   cfg,
		log:   log.WithModule("channel"),
		state: domain.StateClosed,
	}
}

// SetHandlers installs the inbound callbacks. Call before Connect.
func (c *Channel) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts reports the current reconnect attempt counter. It resets to
// zero on every successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect dials the server. It is a no-op when the channel is already open
// or a connect is in progress.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state == domain.StateOpen || c.state == domain.StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	c.state = domain.StateConnecting
	c.mu.Unlock()
	c.notifyState(domain.StateConnecting)

	if err := c.dial(); err != nil {
		c.mu.Lock()
		if c.state == domain.StateConnecting {
			c.state = domain.StateClosed
		}
		c.lastErr = err
		c.mu.Unlock()
		c.notifyState(domain.StateClosed)
		c.notifyError(err)
		return err
	}
	return nil
}

// Send transmits the envelope immediately when open and returns true;
// otherwise it appends the envelope to the FIFO queue and returns false.
func (c *Channel) Send(env domain.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateOpen && c.conn != nil {
		if err := c.conn.WriteJSON(env); err != nil {
			c.log.Errorf("write failed, queueing %s: %v", env.Type, err)
			c.queue = append(c.queue, env)
			return false
		}
		return true
	}
	c.queue = append(c.queue, env)
	return false
}

// Disconnect performs an intentional close: normal-closure frame, heartbeat
// stopped, queued envelopes discarded. It never triggers reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.stopHeartbeatLocked()
	c.gen++
	if c.conn != nil {
		c.state = domain.StateClosing
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		c.conn.Close()
		c.conn = nil
	}
	// Queued-but-unsent envelopes are abandoned on explicit disconnect.
	c.queue = nil
	changed := c.state != domain.StateClosed
	c.state = domain.StateClosed
	c.mu.Unlock()
	if changed {
		c.notifyState(domain.StateClosed)
	}
}

func (c *Channel) dialURL() string {
	if c.cfg.Token == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// dial opens the websocket, installs it, and flushes the send queue in
// FIFO order before releasing the lock so newly-issued sends cannot jump
// ahead of queued traffic.
func (c *Channel) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.intentional {
		// Disconnect raced the dial; drop the fresh connection.
		c.mu.Unlock()
		conn.Close()
		return errors.New("channel closed during connect")
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = domain.StateOpen
	c.attempts = 0
	c.lastErr = nil
	c.flushQueueLocked(conn)
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.notifyState(domain.StateOpen)
	go c.readPump(conn, gen)
	go c.heartbeatLoop(stop)
	return nil
}

// envelopeWriter is the write half of a connection. Satisfied by
// *websocket.Conn.
type envelopeWriter interface {
	WriteJSON(v interface{}) error
}

// flushQueueLocked drains the send queue in FIFO order. A failed write
// keeps the unsent remainder queued so the next open can deliver it.
// Caller holds c.mu.
func (c *Channel) flushQueueLocked(w envelopeWriter) {
	for i, env := range c.queue {
		if err := w.WriteJSON(env); err != nil {
			c.log.Errorf("queue flush failed, keeping %d envelopes: %v", len(c.queue)-i, err)
			c.queue = append([]domain.Envelope(nil), c.queue[i:]...)
			return
		}
	}
	c.queue = nil
}

func (c *Channel) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		var env domain.Envelope
		if uerr := json.Unmarshal(data, &env); uerr != nil {
			// Malformed frames are dropped, never fatal.
			c.log.Warnf("dropping malformed frame: %v", uerr)
			continue
		}
		c.mu.Lock()
		h := c.handlers.OnEnvelope
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *Channel) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection owns the channel.
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.intentional || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.state = domain.StateClosed
		c.mu.Unlock()
		c.notifyState(domain.StateClosed)
		return
	}
	c.lastErr = err
	c.state = domain.StateReconnecting
	c.mu.Unlock()

	c.log.Warnf("connection lost: %v", err)
	c.notifyState(domain.StateReconnecting)
	c.notifyError(err)
	go c.reconnectLoop()
}

// reconnectLoop retries at a fixed interval until it succeeds, the attempt
// cap is reached, or the channel is intentionally closed. Past the cap the
// channel settles into the terminal error state and only an explicit
// Connect restarts it.
func (c *Channel) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.state != domain.StateReconnecting {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.state = domain.StateError
			c.lastErr = ErrMaxReconnects
			c.mu.Unlock()
			c.log.Errorf("giving up after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
			c.notifyState(domain.StateError)
			c.notifyError(ErrMaxReconnects)
			return
		}
		c.attempts++
		n := c.attempts
		c.mu.Unlock()

		time.Sleep(c.cfg.ReconnectInterval)

		c.mu.Lock()
		abandoned := c.state != domain.StateReconnecting
		c.mu.Unlock()
		if abandoned {
			return
		}

		c.log.Infof("reconnect attempt %d/%d", n, c.cfg.MaxReconnectAttempts)
		if err := c.dial(); err != nil {
			c.notifyError(err)
			continue
		}
		return
	}
}

func (c *Channel) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env, err := domain.NewEnvelope(domain.EventHeartbeat, nil)
			if err != nil {
				continue
			}
			c.mu.Lock()
			if c.state == domain.StateOpen && c.conn != nil {
				if werr := c.conn.WriteJSON(env); werr != nil {
					c.log.Warnf("heartbeat write failed: %v", werr)
				}
			}
			c.mu.Unlock()
		}
	}
}

// stopHeartbeatLocked clears the heartbeat timer. Caller holds c.mu.
func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Channel) notifyState(s domain.ConnectionState) {
	c.mu.Lock()
	h := c.handlers.OnStateChange
	c.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (c *Channel) notifyError(err error) {
	c.mu.Lock()
	h := c.handlers.OnError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}
