package hub

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// queued is one parked outbound envelope. id is the pending request it
// belongs to; fire-and-forget publishes park with an empty id.
type queued struct {
	env *wire.Envelope
	id  string
}

// enqueueLocked appends an envelope to the outbound queue. Caller holds c.mu.
func (c *Client) enqueueLocked(env *wire.Envelope, id string) error {
	if len(c.queue) >= c.opts.queueLimit {
		return ErrQueueFull
	}
	c.queue = append(c.queue, queued{env: env, id: id})
	return nil
}

// dequeueLocked removes the queue entry belonging to the pending request id.
// Caller holds c.mu.
func (c *Client) dequeueLocked(id string) {
	for i, q := range c.queue {
		if q.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// dropQueueLocked discards every parked envelope without settling anything.
// Caller holds c.mu and has already swept the pending table.
func (c *Client) dropQueueLocked() {
	c.queue = nil
}

// flushQueue drains the queue onto conn in original call order. Entries
// whose expiry passed while parked are rejected instead of sent. A write
// failure rejects that entry immediately; nothing re-enters the queue.
func (c *Client) flushQueue(conn *websocket.Conn) {
	c.mu.Lock()
	entries := c.queue
	c.queue = nil
	session := c.sessionID
	for _, q := range entries {
		if q.id == "" {
			continue
		}
		if p, ok := c.pending[q.id]; ok {
			p.queued = false
		}
	}
	c.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	c.log.Debug("flushing outbound queue", "entries", len(entries))

	now := time.Now()
	for _, q := range entries {
		if q.env.Expired(now) {
			if q.id != "" {
				c.settle(q.id, outcome{err: fmt.Errorf("%w: expired while queued", ErrRequestTimeout)})
			} else {
				c.log.Debug("dropping expired queued envelope", "type", q.env.Type)
			}
			continue
		}
		q.env.SessionID = session
		if err := c.writeTo(conn, q.env); err != nil {
			if q.id != "" {
				c.settle(q.id, outcome{err: fmt.Errorf("%w: transmit: %v", ErrConnectionLost, err)})
			} else {
				c.log.Warn("queued envelope transmit failed", "type", q.env.Type, "error", err)
			}
		}
	}
}
