package hub

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gorilla/websocket"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// EventHandler receives inbound envelopes matched to a subscription or
// listener. Handlers run in registration order off the read loop; they may
// call back into the client, including Send.
type EventHandler func(*wire.Envelope)

type subOptions struct {
	scope       wire.Scope
	targetID    string
	resubscribe bool
	onError     func(*SubscriptionError)
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subOptions)

// WithScope narrows the subscription to a scope and optional target id.
func WithScope(scope wire.Scope, targetID string) SubscribeOption {
	return func(o *subOptions) {
		o.scope = scope
		o.targetID = targetID
	}
}

// WithoutResubscribe keeps the subscription from being re-sent to the hub
// after a reconnect. Events stop arriving until the caller subscribes again.
func WithoutResubscribe() SubscribeOption {
	return func(o *subOptions) { o.resubscribe = false }
}

// OnSubscribeError registers a callback invoked when the hub declines this
// subscription.
func OnSubscribeError(fn func(*SubscriptionError)) SubscribeOption {
	return func(o *subOptions) { o.onError = fn }
}

// Subscription is a revocable registration for one event type. It is created
// by Client.Subscribe and stays registered until Unsubscribe is called.
type Subscription struct {
	c     *Client
	id    uint64
	event string
	fn    EventHandler
	opts  subOptions

	// guarded by c.mu
	active  bool // hub acknowledged the subscription on this connection
	sent    bool // subscribe request went out at least once
	removed bool
}

// Event returns the subscribed event type.
func (s *Subscription) Event() string { return s.event }

// Active reports whether the hub has acknowledged the subscription on the
// current connection. Events may be delivered before this flips true.
func (s *Subscription) Active() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.active
}

// Subscribe registers fn for events of the given type. If connected, a
// subscribe request goes to the hub immediately; otherwise it is deferred to
// the next connected transition. A request already in flight for the same
// event type is not duplicated.
func (c *Client) Subscribe(event string, fn EventHandler, opts ...SubscribeOption) (*Subscription, error) {
	if event == "" {
		return nil, errors.New("hub: subscribe: empty event type")
	}
	if fn == nil {
		return nil, errors.New("hub: subscribe: nil handler")
	}
	so := subOptions{resubscribe: true}
	for _, opt := range opts {
		opt(&so)
	}
	if so.scope != "" && !so.scope.Valid() {
		return nil, fmt.Errorf("hub: subscribe: invalid scope %q", so.scope)
	}

	env, err := wire.New(wire.KindSubscribe, wire.SubscribePayload{
		Event:    event,
		Scope:    so.scope,
		TargetID: so.targetID,
	})
	if err != nil {
		return nil, err
	}

	s := &Subscription{c: c, event: event, fn: fn, opts: so}

	c.mu.Lock()
	c.subSeq++
	s.id = c.subSeq
	c.subs[s.id] = s

	var conn *websocket.Conn
	if c.state == StateConnected && !c.inflight[event] {
		conn = c.conn
		env.SessionID = c.sessionID
		c.inflight[event] = true
		s.sent = true
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.writeTo(conn, env); err != nil {
			c.log.Warn("subscribe transmit failed", "event", event, "error", err)
			c.mu.Lock()
			delete(c.inflight, event)
			s.sent = false
			c.mu.Unlock()
		}
	}
	return s, nil
}

// Unsubscribe removes the subscription. It is idempotent; an unsubscribe
// message goes to the hub only when this was the last local subscription for
// the event type and the hub had acknowledged it.
func (s *Subscription) Unsubscribe() {
	c := s.c

	c.mu.Lock()
	if s.removed {
		c.mu.Unlock()
		return
	}
	s.removed = true
	delete(c.subs, s.id)
	wasActive := s.active
	s.active = false

	last := true
	for _, other := range c.subs {
		if other.event == s.event {
			last = false
			break
		}
	}
	var conn *websocket.Conn
	var session string
	if wasActive && last && c.state == StateConnected {
		conn = c.conn
		session = c.sessionID
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	env, err := wire.New(wire.KindUnsubscribe, wire.SubscribePayload{
		Event:    s.event,
		Scope:    s.opts.scope,
		TargetID: s.opts.targetID,
	})
	if err != nil {
		c.log.Error("build unsubscribe failed", "event", s.event, "error", err)
		return
	}
	env.SessionID = session
	if err := c.writeTo(conn, env); err != nil {
		c.log.Warn("unsubscribe transmit failed", "event", s.event, "error", err)
	}
}

// resubscribe sends subscribe requests for every event type that either
// never made it to the hub or asked to be re-established after reconnects.
// Runs on each connected transition.
func (c *Client) resubscribe(conn *websocket.Conn) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	session := c.sessionID
	picked := make(map[string]wire.SubscribePayload)
	var order []string
	for _, id := range ids {
		s := c.subs[id]
		if _, ok := picked[s.event]; ok {
			continue
		}
		if c.inflight[s.event] {
			continue
		}
		if s.sent && !s.opts.resubscribe {
			continue
		}
		picked[s.event] = wire.SubscribePayload{
			Event:    s.event,
			Scope:    s.opts.scope,
			TargetID: s.opts.targetID,
		}
		order = append(order, s.event)
	}
	for event := range picked {
		c.inflight[event] = true
		for _, id := range ids {
			if s := c.subs[id]; s.event == event {
				s.sent = true
			}
		}
	}
	c.mu.Unlock()

	for _, event := range order {
		env, err := wire.New(wire.KindSubscribe, picked[event])
		if err != nil {
			c.log.Error("build subscribe failed", "event", event, "error", err)
			continue
		}
		env.SessionID = session
		if err := c.writeTo(conn, env); err != nil {
			c.log.Warn("resubscribe transmit failed", "event", event, "error", err)
			c.mu.Lock()
			delete(c.inflight, event)
			c.mu.Unlock()
		} else {
			c.log.Debug("subscription requested", "event", event)
		}
	}
}

// deactivateSubsLocked marks every subscription unacknowledged and forgets
// in-flight subscribe requests. Caller holds c.mu during a loss transition.
func (c *Client) deactivateSubsLocked() {
	for _, s := range c.subs {
		s.active = false
	}
	clear(c.inflight)
}

// handleSubscribeAck processes subscription_confirmed and subscription_error
// envelopes, flipping the acknowledged state of matching subscriptions.
func (c *Client) handleSubscribeAck(env *wire.Envelope) {
	var ack wire.SubscribeAckPayload
	if err := env.Decode(&ack); err != nil || ack.Event == "" {
		c.log.Warn("malformed subscription ack", "type", env.Type, "error", err)
		return
	}
	confirmed := env.Type == wire.KindSubscribed

	c.mu.Lock()
	delete(c.inflight, ack.Event)
	var errCallbacks []func(*SubscriptionError)
	for _, s := range c.subs {
		if s.event != ack.Event {
			continue
		}
		if confirmed {
			s.active = true
			s.sent = true
		} else if s.opts.onError != nil {
			errCallbacks = append(errCallbacks, s.opts.onError)
		}
	}
	c.mu.Unlock()

	if confirmed {
		c.log.Debug("subscription confirmed", "event", ack.Event)
		return
	}

	serr := &SubscriptionError{Event: ack.Event, Code: ack.Code, Reason: ack.Reason}
	c.log.Warn("subscription rejected", "event", ack.Event, "code", ack.Code, "reason", ack.Reason)
	for _, cb := range errCallbacks {
		c.emit(func() { cb(serr) })
	}
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleError, Err: serr})
}
