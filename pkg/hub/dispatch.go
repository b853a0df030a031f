package hub

import (
	"sort"
	"time"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// LifecycleKind names a connection lifecycle transition.
type LifecycleKind string

const (
	LifecycleConnecting         LifecycleKind = "connecting"
	LifecycleConnected          LifecycleKind = "connected"
	LifecycleDisconnected       LifecycleKind = "disconnected"
	LifecycleReconnecting       LifecycleKind = "reconnecting"
	LifecycleReconnectExhausted LifecycleKind = "reconnect_exhausted"
	LifecycleError              LifecycleKind = "error"
)

// LifecycleEvent is delivered to lifecycle listeners on every transition.
type LifecycleEvent struct {
	Kind    LifecycleKind
	Attempt int           // reconnect attempt number, for reconnecting
	Delay   time.Duration // backoff preceding that attempt, for reconnecting
	Err     error         // cause, for disconnected and error
}

// OnLifecycle registers fn for connection lifecycle events. The returned
// function removes the registration and is safe to call more than once.
func (c *Client) OnLifecycle(fn func(LifecycleEvent)) func() {
	c.lsMu.Lock()
	c.lsSeq++
	id := c.lsSeq
	c.lifecycleLs[id] = fn
	c.lsMu.Unlock()
	return func() {
		c.lsMu.Lock()
		delete(c.lifecycleLs, id)
		c.lsMu.Unlock()
	}
}

// OnMessage registers fn for every inbound envelope of the given kind,
// control or domain. Subscriptions are the right tool for hub events; this
// hook exists for protocol-level observation.
func (c *Client) OnMessage(kind wire.Kind, fn EventHandler) func() {
	c.lsMu.Lock()
	c.lsSeq++
	id := c.lsSeq
	if c.kindLs[kind] == nil {
		c.kindLs[kind] = make(map[uint64]EventHandler)
	}
	c.kindLs[kind][id] = fn
	c.lsMu.Unlock()
	return func() {
		c.lsMu.Lock()
		delete(c.kindLs[kind], id)
		c.lsMu.Unlock()
	}
}

// OnEnvelope registers fn for every inbound envelope regardless of kind.
func (c *Client) OnEnvelope(fn EventHandler) func() {
	c.lsMu.Lock()
	c.lsSeq++
	id := c.lsSeq
	c.anyLs[id] = fn
	c.lsMu.Unlock()
	return func() {
		c.lsMu.Lock()
		delete(c.anyLs, id)
		c.lsMu.Unlock()
	}
}

// OnTarget registers fn for envelopes whose payload carries the given
// execution or resource identifier.
func (c *Client) OnTarget(id string, fn EventHandler) func() {
	c.lsMu.Lock()
	c.lsSeq++
	lid := c.lsSeq
	if c.targetLs[id] == nil {
		c.targetLs[id] = make(map[uint64]EventHandler)
	}
	c.targetLs[id][lid] = fn
	c.lsMu.Unlock()
	return func() {
		c.lsMu.Lock()
		delete(c.targetLs[id], lid)
		c.lsMu.Unlock()
	}
}

// emit appends fn to the delivery queue. A single drainer goroutine runs
// queued callbacks in enqueue order, so user code observes transitions and
// envelopes in the order they happened without blocking the read loop.
func (c *Client) emit(fn func()) {
	c.emitMu.Lock()
	c.emitQ = append(c.emitQ, fn)
	if c.emitting {
		c.emitMu.Unlock()
		return
	}
	c.emitting = true
	c.emitMu.Unlock()
	go c.drainEmits()
}

func (c *Client) drainEmits() {
	for {
		c.emitMu.Lock()
		if len(c.emitQ) == 0 {
			c.emitting = false
			c.emitMu.Unlock()
			return
		}
		fn := c.emitQ[0]
		c.emitQ = c.emitQ[1:]
		c.emitMu.Unlock()
		fn()
	}
}

// emitLifecycle fans a lifecycle event to all registered listeners.
func (c *Client) emitLifecycle(ev LifecycleEvent) {
	for _, fn := range c.lifecycleSnapshot() {
		c.emit(func() { fn(ev) })
	}
}

func (c *Client) lifecycleSnapshot() []func(LifecycleEvent) {
	c.lsMu.Lock()
	defer c.lsMu.Unlock()
	ids := make([]uint64, 0, len(c.lifecycleLs))
	for id := range c.lifecycleLs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(LifecycleEvent), len(ids))
	for i, id := range ids {
		fns[i] = c.lifecycleLs[id]
	}
	return fns
}

// route classifies one inbound envelope: control kinds feed the session and
// the heartbeat monitor, a matching requestId settles its pending request,
// and everything fans out to subscriptions and listeners.
func (c *Client) route(env *wire.Envelope) {
	switch env.Type {
	case wire.KindConnected:
		c.handleHandshake(env)
	case wire.KindHeartbeatAck:
		c.hb.ack(env)
	case wire.KindHeartbeat:
		c.answerHeartbeat(env)
	case wire.KindSubscribed, wire.KindSubscribeErr:
		c.handleSubscribeAck(env)
	}

	if env.RequestID != "" {
		if c.settle(env.RequestID, responseOutcome(env)) {
			c.log.Debug("request settled", "requestId", env.RequestID, "type", env.Type)
		} else if env.Type == wire.KindResponse || env.Type == wire.KindError {
			c.log.Debug("unmatched response", "requestId", env.RequestID, "type", env.Type)
		}
	}

	c.fanout(env)
}

// responseOutcome converts an inbound envelope into the outcome of the
// request it settles. Error envelopes reject with the hub's error shape.
func responseOutcome(env *wire.Envelope) outcome {
	if env.Type != wire.KindError {
		return outcome{payload: env.Payload}
	}
	var ep wire.ErrorPayload
	if err := env.Decode(&ep); err != nil {
		return outcome{err: &RequestError{Code: wire.CodeInternal, Message: "unreadable error payload"}}
	}
	return outcome{err: &RequestError{
		Code:      ep.Code,
		Message:   ep.Message,
		Details:   ep.Details,
		Retryable: ep.Retryable,
	}}
}

// fanout delivers env to matching subscriptions, kind listeners, catch-all
// listeners and identifier-scoped listeners, in that order. Duplicate
// domain envelopes within the replay window are suppressed once.
func (c *Client) fanout(env *wire.Envelope) {
	if c.replay != nil && env.RequestID != "" && !env.Type.Control() {
		if c.replay.Contains(env.RequestID) {
			c.log.Debug("duplicate envelope suppressed", "type", env.Type, "requestId", env.RequestID)
			return
		}
		c.replay.Add(env.RequestID, struct{}{})
	}

	for _, fn := range c.subHandlersFor(string(env.Type)) {
		c.emit(func() { fn(env) })
	}

	c.lsMu.Lock()
	var fns []EventHandler
	ids := make([]uint64, 0, len(c.kindLs[env.Type])+len(c.anyLs))
	byID := make(map[uint64]EventHandler)
	for id, fn := range c.kindLs[env.Type] {
		ids = append(ids, id)
		byID[id] = fn
	}
	for id, fn := range c.anyLs {
		ids = append(ids, id)
		byID[id] = fn
	}
	for _, target := range env.TargetIDs() {
		for id, fn := range c.targetLs[target] {
			ids = append(ids, id)
			byID[id] = fn
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, byID[id])
	}
	c.lsMu.Unlock()

	for _, fn := range fns {
		c.emit(func() { fn(env) })
	}
}

// subHandlersFor snapshots the handlers of subscriptions registered for the
// event type, in registration order.
func (c *Client) subHandlersFor(event string) []EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.subs))
	for id, s := range c.subs {
		if s.event == event {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]EventHandler, len(ids))
	for i, id := range ids {
		fns[i] = c.subs[id].fn
	}
	return fns
}
