package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/typerush/typerush/internal/auth"
	apperrors "github.com/typerush/typerush/pkg/errors"
	"github.com/typerush/typerush/pkg/logger"
	"github.com/typerush/typerush/pkg/metrics"
	"github.com/typerush/typerush/pkg/wire"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10

	// Two backpressure drops inside this window close the connection.
	dropCloseWindow = 10 * time.Second
)

// QueueLimits bounds a connection's outbound queue. A publish that would
// exceed either limit triggers the slow-consumer policy.
type QueueLimits struct {
	MaxMessages int
	MaxBytes    int
}

// DefaultQueueLimits mirrors the engine defaults.
var DefaultQueueLimits = QueueLimits{
	MaxMessages: 256,
	MaxBytes:    1 << 20,
}

// Presence is the user-selected visibility state carried by a connection.
type Presence string

// Recognised presence states.
const (
	PresenceOnline    Presence = "online"
	PresenceAway      Presence = "away"
	PresenceBusy      Presence = "busy"
	PresenceInvisible Presence = "invisible"
)

type queued struct {
	data     []byte
	critical bool
}

// Conn is a registered websocket connection with its authenticated identity
// and a bounded outbound queue. All mutation happens under the connection
// mutex; the write pump is the only consumer of the queue.
type Conn struct {
	ID         string
	Identity   auth.Identity
	RemoteAddr string
	CreatedAt  time.Time

	socket *websocket.Conn
	log    *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	queue        []queued
	queuedBytes  int
	limits       QueueLimits
	dropTimes    []time.Time
	closed       bool
	closeErr     *apperrors.AppError
	notify       chan struct{}
	lastActivity time.Time
	presence     Presence
	raceID       string

	closeOnce sync.Once
	onClose   func(*Conn, *apperrors.AppError)
}

// ConnOptions configures a new connection.
type ConnOptions struct {
	ID         string
	Identity   auth.Identity
	RemoteAddr string
	Socket     *websocket.Conn
	Limits     QueueLimits
	Clock      func() time.Time
	OnClose    func(*Conn, *apperrors.AppError)
}

// NewConn builds a connection record. Socket may be nil in tests; the write
// pump is only started for real sockets.
func NewConn(opts ConnOptions) *Conn {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	limits := opts.Limits
	if limits.MaxMessages <= 0 {
		limits.MaxMessages = DefaultQueueLimits.MaxMessages
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultQueueLimits.MaxBytes
	}

	return &Conn{
		ID:           opts.ID,
		Identity:     opts.Identity,
		RemoteAddr:   opts.RemoteAddr,
		CreatedAt:    now(),
		socket:       opts.Socket,
		log:          logger.WithModule("realtime").With(zap.String("conn", opts.ID)),
		now:          now,
		limits:       limits,
		notify:       make(chan struct{}, 1),
		lastActivity: now(),
		presence:     PresenceOnline,
		onClose:      opts.OnClose,
	}
}

// Touch records inbound activity for the liveness scan.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// LastActivity reports the most recent inbound activity.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetPresence updates the user-selected visibility state.
func (c *Conn) SetPresence(p Presence) {
	c.mu.Lock()
	c.presence = p
	c.mu.Unlock()
}

// Status returns the current visibility state.
func (c *Conn) Status() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// JoinRace marks this connection as racing. A connection belongs to at most
// one race at a time; joining while already racing fails.
func (c *Conn) JoinRace(raceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.raceID != "" && c.raceID != raceID {
		return false
	}
	c.raceID = raceID
	return true
}

// LeaveRace clears the racing marker if it matches the provided race.
func (c *Conn) LeaveRace(raceID string) {
	c.mu.Lock()
	if c.raceID == raceID {
		c.raceID = ""
	}
	c.mu.Unlock()
}

// CurrentRace reports the race this connection is part of, if any.
func (c *Conn) CurrentRace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raceID
}

// Enqueue appends an envelope to the outbound queue, applying the
// backpressure policy. Critical envelopes are never dropped: when they do not
// fit, the connection is closed instead. Returns false if the envelope was
// not queued.
func (c *Conn) Enqueue(env wire.Envelope, critical bool) bool {
	data, err := wire.Encode(env)
	if err != nil {
		c.log.Error("encode outbound envelope", zap.Error(err))
		return false
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return false
	}

	for c.overLimitLocked(len(data)) {
		if !c.dropOldestLocked() {
			// Nothing droppable remains; the subscriber cannot keep up.
			c.mu.Unlock()
			c.closeWith(apperrors.ErrSlowConsumer)
			return false
		}

		if c.recordDropLocked() {
			c.mu.Unlock()
			c.closeWith(apperrors.ErrSlowConsumer)
			return false
		}
	}

	c.queue = append(c.queue, queued{data: data, critical: critical})
	c.queuedBytes += len(data)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) overLimitLocked(incoming int) bool {
	if len(c.queue) >= c.limits.MaxMessages {
		return true
	}
	return c.queuedBytes+incoming > c.limits.MaxBytes && len(c.queue) > 0
}

// dropOldestLocked removes the oldest non-critical queued message. Returns
// false when only critical messages remain.
func (c *Conn) dropOldestLocked() bool {
	for i, q := range c.queue {
		if q.critical {
			continue
		}
		c.queuedBytes -= len(q.data)
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		metrics.BroadcastDrops.Inc()
		return true
	}
	return false
}

// recordDropLocked notes a backpressure drop and reports whether the
// two-drops-in-window threshold has been crossed.
func (c *Conn) recordDropLocked() bool {
	now := c.now()
	kept := c.dropTimes[:0]
	for _, t := range c.dropTimes {
		if now.Sub(t) <= dropCloseWindow {
			kept = append(kept, t)
		}
	}
	c.dropTimes = append(kept, now)
	return len(c.dropTimes) >= 2
}

// Pending returns a snapshot of queued outbound payloads. Diagnostic helper;
// the write pump is the sole consumer of the live queue.
func (c *Conn) Pending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.queue))
	for i, q := range c.queue {
		out[i] = q.data
	}
	return out
}

// Closed reports whether the connection has been shut down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseError returns the error the connection closed with, if any.
func (c *Conn) CloseError() *apperrors.AppError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close shuts the connection down without an error cause.
func (c *Conn) Close() {
	c.closeWith(nil)
}

// CloseWithError shuts the connection down recording the cause; a best-effort
// error envelope is flushed before the socket closes.
func (c *Conn) CloseWithError(appErr *apperrors.AppError) {
	c.closeWith(appErr)
}

func (c *Conn) closeWith(appErr *apperrors.AppError) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = appErr
		c.mu.Unlock()

		if appErr != nil && appErr.Code == apperrors.ErrSlowConsumer.Code {
			metrics.SlowConsumerCloses.Inc()
		}

		if c.socket != nil {
			if appErr != nil {
				env := wire.Error(appErr, c.now())
				if data, err := wire.Encode(env); err == nil {
					_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.socket.WriteMessage(websocket.TextMessage, data)
				}
			}
			_ = c.socket.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			_ = c.socket.Close()
		}

		select {
		case c.notify <- struct{}{}:
		default:
		}

		if c.onClose != nil {
			c.onClose(c, appErr)
		}
	})
}

// WritePump drains the outbound queue onto the socket and keeps the
// websocket ping/pong heartbeat alive. It returns when the connection closes.
func (c *Conn) WritePump() {
	if c.socket == nil {
		return
	}
	defer c.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.notify:
			for {
				batch, done := c.popBatch()
				if done {
					return
				}
				if len(batch) == 0 {
					break
				}
				for _, data := range batch {
					_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				}
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) popBatch() ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, true
	}
	if len(c.queue) == 0 {
		return nil, false
	}

	batch := make([][]byte, len(c.queue))
	for i, q := range c.queue {
		batch[i] = q.data
	}
	c.queue = c.queue[:0]
	c.queuedBytes = 0
	return batch, false
}

// ReadPump consumes inbound frames, forwarding each payload to the handler.
// It applies read limits and pong deadlines and returns when the socket
// errors or closes.
func (c *Conn) ReadPump(handle func(payload []byte)) {
	if c.socket == nil {
		return
	}
	defer c.Close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		c.Touch()
		handle(payload)
	}
}
