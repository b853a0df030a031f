package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// State is the connection state. Exactly one value holds at any instant;
// transitions are driven solely by the client itself.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// maxMessageSize is the largest inbound envelope accepted (512KB). The
// transport closes the connection if the hub exceeds it.
const maxMessageSize = 512 * 1024

// writeWait bounds how long a single transmit may block.
const writeWait = 10 * time.Second

// Connect opens the connection. Calling it while connecting or connected is
// a no-op; calling it while a reconnect is scheduled cancels the backoff and
// dials immediately. It blocks until the transport opens or the connect
// timeout elapses, and restores automatic reconnection after an earlier
// Disconnect or exhaustion.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateReconnecting:
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
	}
	c.state = StateConnecting
	c.reconnectOn = c.opts.autoReconnect
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.Info("connecting to hub", "url", c.url)
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleConnecting})

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen && c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.log.Warn("connect failed", "url", c.url, "error", err)
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleError, Err: err})
		return err
	}
	return c.established(gen, conn)
}

// dial opens one websocket connection, presenting the configured credential
// as a bearer token.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := c.opts.dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = c.opts.connectTimeout
		dialer = &d
	}

	header := http.Header{}
	for k, vs := range c.opts.headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if c.opts.credential != "" {
		header.Set("Authorization", "Bearer "+c.opts.credential)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, c.opts.connectTimeout)
		}
		if resp != nil {
			return nil, fmt.Errorf("hub: dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("hub: dial %s: %w", c.url, err)
	}
	return conn, nil
}

// established finalizes a successful dial for the epoch claimed before
// dialing: flips to connected, starts the heartbeat and read pump, flushes
// the queue and resubscribes. A Disconnect that raced the dial wins; the
// fresh socket is closed unused.
func (c *Client) established(gen uint64, conn *websocket.Conn) error {
	c.mu.Lock()
	if c.gen != gen || (c.state != StateConnecting && c.state != StateReconnecting) {
		c.mu.Unlock()
		conn.Close()
		return ErrDisconnected
	}
	reconnected := c.attempts > 0
	c.attempts = 0
	c.state = StateConnected
	c.conn = conn
	c.sessionID = ""
	c.gen++
	epoch := c.gen
	c.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	c.quality.connected(reconnected)
	c.log.Info("hub connected", "url", c.url, "reconnect", reconnected)
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleConnected})

	// Start the monitor before the pump: the loss path stops it, and a pump
	// that dies instantly must not reach stop ahead of start.
	c.hb.start(func(env *wire.Envelope) error {
		c.mu.Lock()
		env.SessionID = c.sessionID
		c.mu.Unlock()
		return c.writeTo(conn, env)
	})

	go c.readLoop(epoch, conn)

	c.flushQueue(conn)
	c.resubscribe(conn)
	return nil
}

// readLoop pumps inbound envelopes for one connection epoch.
func (c *Client) readLoop(epoch uint64, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleLoss(epoch, err)
			return
		}
		env, perr := wire.Parse(data)
		if perr != nil {
			c.log.Warn("discarding malformed envelope", "error", perr)
			continue
		}
		c.route(env)
	}
}

// handleLoss runs the loss path when the transport fails underneath a live
// connection: every in-flight request rejects, the heartbeat stops, state
// drops to disconnected, and a reconnect is scheduled if policy allows.
// Stale pumps from superseded epochs are ignored.
func (c *Client) handleLoss(epoch uint64, cause error) {
	c.mu.Lock()
	if c.gen != epoch {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conn = nil
	c.sessionID = ""
	c.state = StateDisconnected
	c.deactivateSubsLocked()
	c.mu.Unlock()

	c.hb.stop()
	c.quality.disconnected()
	c.failAllPending(fmt.Errorf("%w: %v", ErrConnectionLost, cause), false)

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warn("hub connection lost", "error", cause)
	} else {
		c.log.Info("hub connection closed", "reason", cause)
	}
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Err: cause})
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or raises
// reconnect_exhausted once the ceiling is hit. The previous timer, if any,
// is cancelled before the new one is armed.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if !c.reconnectOn || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.maxReconnects {
		c.reconnectOn = false
		c.mu.Unlock()
		c.log.Warn("reconnect attempts exhausted", "attempts", c.opts.maxReconnects)
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleReconnectExhausted, Err: ErrReconnectExhausted})
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := reconnectDelay(c.opts.reconnectBase, c.opts.reconnectMax, attempt)
	c.state = StateReconnecting
	gen := c.gen
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() { c.reconnectAttempt(gen) })
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleReconnecting, Attempt: attempt, Delay: delay})
}

// reconnectDelay doubles the base per attempt, capped at max.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32
	}
	delay := base << uint(attempt-1)
	if delay <= 0 || (max > 0 && delay > max) {
		delay = max
	}
	return delay
}

// reconnectAttempt dials once after backoff. Failure schedules the next
// attempt; an intervening Connect or Disconnect owns the state instead.
func (c *Client) reconnectAttempt(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting || !c.reconnectOn {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	attempt := c.attempts
	c.mu.Unlock()

	c.log.Info("reconnecting to hub", "attempt", attempt, "url", c.url)
	conn, err := c.dial(context.Background())
	if err != nil {
		c.mu.Lock()
		if c.gen != gen || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		c.scheduleReconnect()
		return
	}
	_ = c.established(gen, conn)
}

// Disconnect closes the connection and disables automatic reconnection. It
// is the single cancellation point: the retry timer and heartbeat timers are
// cancelled, every pending request rejects, and parked envelopes are
// discarded. Idempotent; Connect may be called again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectOn = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.sessionID = ""
	already := c.state == StateDisconnected
	c.state = StateDisconnected
	c.gen++
	c.deactivateSubsLocked()

	victims := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		victims = append(victims, p)
		delete(c.pending, id)
	}
	c.dropQueueLocked()
	c.mu.Unlock()

	c.hb.stop()
	c.quality.disconnected()
	for _, p := range victims {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: ErrDisconnected}
	}

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if !already {
		c.log.Info("hub disconnected")
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected})
	}
}

// forceClose tears down the socket so the read pump observes the failure
// and runs the normal loss path. Used when heartbeats go unacknowledged.
func (c *Client) forceClose() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// writeTo transmits one envelope on conn. Writers from any goroutine are
// serialized; a stale conn just returns a write error.
func (c *Client) writeTo(conn *websocket.Conn, env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleHandshake adopts the session id the hub assigned this connection.
func (c *Client) handleHandshake(env *wire.Envelope) {
	session := env.SessionID
	if session == "" {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := env.Decode(&p); err == nil {
			session = p.SessionID
		}
	}
	if session == "" {
		c.log.Warn("handshake without session id")
		return
	}
	c.mu.Lock()
	c.sessionID = session
	c.mu.Unlock()
	c.log.Info("hub session established", "session", session)
}

// answerHeartbeat replies to a hub-initiated liveness probe.
func (c *Client) answerHeartbeat(probe *wire.Envelope) {
	ack, err := wire.NewHeartbeatAck(probe)
	if err != nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	ack.SessionID = c.sessionID
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.writeTo(conn, ack); err != nil {
		c.log.Debug("heartbeat reply failed", "error", err)
	}
}
