// Package hub implements the realtime client for the Skein event hub: one
// long-lived websocket connection multiplexing request/response exchanges,
// fire-and-forget events and topic subscriptions, with automatic
// reconnection, liveness probing and an outbound queue bridging gaps in
// connectivity.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// Client is the single entry point to the hub. Construct with New, then
// Connect. All methods are safe for concurrent use; independent clients
// share nothing.
type Client struct {
	url  string
	opts options
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	sessionID   string
	gen         uint64 // connection epoch; bumped on every transition that retires async work
	attempts    int
	reconnectOn bool
	retryTimer  *time.Timer
	pending     map[string]*pending
	queue       []queued
	subs        map[uint64]*Subscription
	subSeq      uint64
	inflight    map[string]bool // event type -> subscribe request in flight

	writeMu sync.Mutex

	lsMu        sync.Mutex
	lsSeq       uint64
	lifecycleLs map[uint64]func(LifecycleEvent)
	kindLs      map[wire.Kind]map[uint64]EventHandler
	anyLs       map[uint64]EventHandler
	targetLs    map[string]map[uint64]EventHandler

	emitMu   sync.Mutex
	emitQ    []func()
	emitting bool

	hb         *heartbeatMonitor
	quality    qualityTracker
	replay     *lru.LRU[string, struct{}]
	pubLimiter *rate.Limiter
	tracer     trace.Tracer
}

// New creates a client for the hub at url (ws:// or wss://). The client
// starts disconnected.
func New(url string, opts ...Option) (*Client, error) {
	u, err := neturl.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("hub: invalid url %q: %w", url, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("hub: invalid url %q: scheme must be ws or wss", url)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Client{
		url:         url,
		opts:        o,
		log:         o.logger,
		pending:     make(map[string]*pending),
		subs:        make(map[uint64]*Subscription),
		inflight:    make(map[string]bool),
		lifecycleLs: make(map[uint64]func(LifecycleEvent)),
		kindLs:      make(map[wire.Kind]map[uint64]EventHandler),
		anyLs:       make(map[uint64]EventHandler),
		targetLs:    make(map[string]map[uint64]EventHandler),
	}
	c.hb = newHeartbeatMonitor(o.heartbeatInterval, o.heartbeatTimeout, c.log)
	c.hb.onStale = c.forceClose
	c.hb.onAck = c.quality.record
	if !o.replayOff {
		c.replay = lru.NewLRU[string, struct{}](o.replaySize, nil, o.replayTTL)
	}
	if o.publishRate > 0 {
		burst := o.publishBurst
		if burst < 1 {
			burst = 1
		}
		c.pubLimiter = rate.NewLimiter(rate.Limit(o.publishRate), burst)
	}
	if o.tracerProvider != nil {
		c.tracer = o.tracerProvider.Tracer("github.com/skeinhq/skein-go/pkg/hub")
	}
	return c, nil
}

type sendOptions struct {
	timeout       time.Duration
	priority      wire.Priority
	ttl           time.Duration
	correlationID string
	metadata      map[string]any
}

// SendOption adjusts a single correlated request or publish.
type SendOption func(*sendOptions)

// WithSendTimeout overrides the per-request deadline for this request.
func WithSendTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithPriority sets the advisory priority on the envelope.
func WithPriority(p wire.Priority) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithTTL stamps an absolute expiry on the envelope; if it sits in the
// outbound queue past the deadline it is never transmitted.
func WithTTL(d time.Duration) SendOption {
	return func(o *sendOptions) { o.ttl = d }
}

// WithCorrelationID links the envelope to a prior logical operation.
func WithCorrelationID(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// WithSendMetadata attaches free-form metadata to the envelope.
func WithSendMetadata(md map[string]any) SendOption {
	return func(o *sendOptions) { o.metadata = md }
}

// Send issues a correlated request and blocks until the hub answers, the
// request times out, the connection is lost, or ctx is cancelled — exactly
// one of these settles it. While disconnected the request waits in the
// outbound queue; its deadline keeps running.
func (c *Client) Send(ctx context.Context, kind wire.Kind, payload any, opts ...SendOption) (json.RawMessage, error) {
	if kind == "" {
		return nil, errors.New("hub: send: empty message type")
	}
	so := sendOptions{timeout: c.opts.requestTimeout}
	for _, opt := range opts {
		opt(&so)
	}
	if so.priority != "" && !so.priority.Valid() {
		return nil, fmt.Errorf("hub: send: invalid priority %q", so.priority)
	}

	env, err := wire.New(kind, payload)
	if err != nil {
		return nil, err
	}
	env.Priority = so.priority
	env.CorrelationID = so.correlationID
	env.Metadata = so.metadata
	if so.ttl > 0 {
		exp := time.Now().Add(so.ttl).UTC()
		env.ExpiresAt = &exp
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "hub.send",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("skein.message.kind", string(kind)),
				attribute.String("skein.request.id", env.RequestID),
			))
		defer span.End()
	}

	p, conn, err := c.stage(env, so.timeout)
	if err != nil {
		return nil, c.finishSpan(span, nil, err)
	}
	if conn != nil {
		if werr := c.writeTo(conn, env); werr != nil {
			c.settle(env.RequestID, outcome{err: fmt.Errorf("%w: transmit: %v", ErrConnectionLost, werr)})
		}
	} else {
		c.log.Debug("request queued", "type", kind, "requestId", env.RequestID)
	}

	raw, err := c.await(ctx, env.RequestID, p)
	return c.finishSpan(span, raw, err)
}

func (c *Client) finishSpan(span trace.Span, raw json.RawMessage, err error) (json.RawMessage, error) {
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return raw, err
}

// Call sends a correlated request and decodes the response payload into T.
func Call[T any](ctx context.Context, c *Client, kind wire.Kind, payload any, opts ...SendOption) (T, error) {
	var out T
	raw, err := c.Send(ctx, kind, payload, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("hub: decode %s response: %w", kind, err)
	}
	return out, nil
}

// Publish emits a fire-and-forget event scoped to the given audience. No
// response is awaited and no pending request exists; while disconnected the
// event is parked in the outbound queue and dropped on explicit Disconnect.
func (c *Client) Publish(event string, payload any, scope wire.Scope, targetID string) error {
	if event == "" {
		return errors.New("hub: publish: empty event type")
	}
	if scope != "" && !scope.Valid() {
		return fmt.Errorf("hub: publish: invalid scope %q", scope)
	}
	if c.pubLimiter != nil && !c.pubLimiter.Allow() {
		return ErrRateLimited
	}

	env, err := wire.New(wire.Kind(event), payload)
	if err != nil {
		return err
	}
	if scope != "" || targetID != "" {
		md := make(map[string]any, 2)
		if scope != "" {
			md[wire.MetaScope] = string(scope)
		}
		if targetID != "" {
			md[wire.MetaTargetID] = targetID
		}
		env.Metadata = md
	}

	c.mu.Lock()
	if c.state == StateConnected {
		conn := c.conn
		env.SessionID = c.sessionID
		c.mu.Unlock()
		if werr := c.writeTo(conn, env); werr != nil {
			return fmt.Errorf("%w: transmit: %v", ErrConnectionLost, werr)
		}
		return nil
	}
	err = c.enqueueLocked(env, "")
	c.mu.Unlock()
	if err == nil {
		c.log.Debug("event queued", "event", event)
	}
	return err
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is currently open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// SessionID returns the hub-assigned session identifier. Empty until the
// handshake on the current connection completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// URL returns the configured hub URL.
func (c *Client) URL() string { return c.url }

// Quality returns a snapshot of connection health: state, heartbeat
// latencies and reconnect counters.
func (c *Client) Quality() Quality {
	snap := c.quality.snapshot()
	c.mu.Lock()
	snap.State = c.state
	snap.SessionID = c.sessionID
	c.mu.Unlock()
	return snap
}
