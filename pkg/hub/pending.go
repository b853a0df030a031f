package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// outcome is the single terminal result of a correlated request.
type outcome struct {
	payload json.RawMessage
	err     error
}

// pending tracks one in-flight correlated request. Settlement is claiming
// the entry out of the client's pending table: whoever deletes it under the
// lock delivers the outcome, so a request can never resolve twice.
type pending struct {
	env    *wire.Envelope
	done   chan outcome
	timer  *time.Timer
	queued bool // still sitting in the outbound queue
}

// stage registers a pending request and, in the same critical section,
// decides its route: if connected it returns the live connection for
// immediate transmission, otherwise it parks the envelope in the outbound
// queue. The one lock hold keeps registration and routing atomic against
// concurrent state transitions.
func (c *Client) stage(env *wire.Envelope, timeout time.Duration) (*pending, *websocket.Conn, error) {
	p := &pending{
		env:  env,
		done: make(chan outcome, 1),
	}
	id := env.RequestID

	c.mu.Lock()
	defer c.mu.Unlock()

	var conn *websocket.Conn
	if c.state == StateConnected {
		conn = c.conn
		env.SessionID = c.sessionID
	} else {
		if err := c.enqueueLocked(env, id); err != nil {
			return nil, nil, err
		}
		p.queued = true
	}

	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, outcome{err: ErrRequestTimeout})
	})
	return p, conn, nil
}

// settle terminates the pending request with the given outcome. Returns
// false if the request was already settled by another path.
func (c *Client) settle(id string, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	if p.queued {
		c.dequeueLocked(id)
	}
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}

// failAllPending rejects every in-flight request with err. Entries still in
// the outbound queue are spared unless includeQueued is set; they stay
// pending across reconnects and flush on the next connected transition.
// The table is snapshotted before delivery so new registrations during the
// sweep are untouched.
func (c *Client) failAllPending(err error, includeQueued bool) {
	c.mu.Lock()
	victims := make(map[string]*pending, len(c.pending))
	for id, p := range c.pending {
		if p.queued && !includeQueued {
			continue
		}
		victims[id] = p
		delete(c.pending, id)
		if p.queued {
			c.dequeueLocked(id)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: err}
	}
}

// await blocks until the pending request settles or ctx is cancelled.
func (c *Client) await(ctx context.Context, id string, p *pending) (json.RawMessage, error) {
	select {
	case out := <-p.done:
		return out.payload, out.err
	case <-ctx.Done():
		if c.settle(id, outcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// A real outcome won the race; return it instead.
		out := <-p.done
		return out.payload, out.err
	}
}
