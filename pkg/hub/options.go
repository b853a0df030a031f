package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for the tunable knobs. All of them can be overridden per client.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultMaxReconnects     = 10
	DefaultQueueLimit        = 256

	defaultReplayTTL  = 2 * time.Minute
	defaultReplaySize = 4096
)

type options struct {
	credential        string
	headers           http.Header
	dialer            *websocket.Dialer
	logger            *slog.Logger
	autoReconnect     bool
	maxReconnects     int
	reconnectBase     time.Duration
	reconnectMax      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration // derived 2x interval unless set
	requestTimeout    time.Duration
	connectTimeout    time.Duration
	queueLimit        int
	tracerProvider    trace.TracerProvider
	publishRate       float64
	publishBurst      int
	replayTTL         time.Duration
	replaySize        int
	replayOff         bool
}

func defaultOptions() options {
	return options{
		headers:           http.Header{},
		autoReconnect:     true,
		maxReconnects:     DefaultMaxReconnects,
		reconnectBase:     DefaultReconnectBase,
		reconnectMax:      DefaultReconnectMax,
		heartbeatInterval: DefaultHeartbeatInterval,
		requestTimeout:    DefaultRequestTimeout,
		connectTimeout:    DefaultConnectTimeout,
		queueLimit:        DefaultQueueLimit,
		replayTTL:         defaultReplayTTL,
		replaySize:        defaultReplaySize,
	}
}

// Option configures a Client.
type Option func(*options)

// WithCredential sets the bearer token presented during the websocket
// handshake.
func WithCredential(token string) Option {
	return func(o *options) { o.credential = token }
}

// WithHeader adds a header to the websocket handshake request.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Add(key, value) }
}

// WithDialer replaces the websocket dialer, e.g. to set a proxy or TLS config.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutReconnect disables automatic reconnection after connection loss.
func WithoutReconnect() Option {
	return func(o *options) { o.autoReconnect = false }
}

// WithMaxReconnectAttempts sets how many reconnect attempts are made before
// giving up.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) { o.maxReconnects = n }
}

// WithReconnectDelay sets the exponential backoff base and its upper bound.
func WithReconnectDelay(base, max time.Duration) Option {
	return func(o *options) {
		o.reconnectBase = base
		o.reconnectMax = max
	}
}

// WithHeartbeatInterval sets how often liveness probes are sent. The stale
// cutoff stays at twice the interval unless WithHeartbeatTimeout is used.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatInterval = d }
}

// WithHeartbeatTimeout overrides how long the client waits for a heartbeat
// acknowledgment before declaring the connection stale.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(o *options) { o.heartbeatTimeout = d }
}

// WithRequestTimeout sets the default deadline for correlated requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithConnectTimeout sets the deadline for a single connect attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithQueueLimit caps how many envelopes may wait in the outbound queue
// while the connection is down.
func WithQueueLimit(n int) Option {
	return func(o *options) { o.queueLimit = n }
}

// WithTracerProvider enables span creation for correlated requests.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithPublishLimit applies a local token-bucket rate limit to fire-and-forget
// publishes. Zero rate means unlimited.
func WithPublishLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.publishRate = perSecond
		o.publishBurst = burst
	}
}

// WithReplayFilter tunes the duplicate-suppression cache applied to inbound
// events after resubscribe replays.
func WithReplayFilter(ttl time.Duration, size int) Option {
	return func(o *options) {
		o.replayTTL = ttl
		o.replaySize = size
	}
}

// WithoutReplayFilter delivers every inbound event even if the same
// requestId was seen before.
func WithoutReplayFilter() Option {
	return func(o *options) { o.replayOff = true }
}
