// Package hubtest provides an in-process hub speaking the wire protocol
// over a real websocket. It backs the client's own tests and is exported so
// applications can exercise their hub integration without a live server.
package hubtest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// Handler answers one correlated request. Returning a non-nil error payload
// sends an error envelope instead of a response.
type Handler func(env *wire.Envelope) (any, *wire.ErrorPayload)

// Server is a scriptable hub. All knobs may be flipped mid-test; they apply
// to traffic from that point on.
type Server struct {
	tb testing.TB
	hs *httptest.Server
	up websocket.Upgrader

	mu          sync.Mutex
	conns       map[*serverConn]struct{}
	handlers    map[wire.Kind]Handler
	rejectSubs  map[string]wire.SubscribeAckPayload
	muteBeats   bool
	muteSubAcks bool
	refuse      bool
	token       string
	sessions    int
	received    []*wire.Envelope
	cursors     map[wire.Kind]int
}

type serverConn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	session string
}

// NewServer starts a hub listening on a loopback address and registers its
// shutdown with tb.
func NewServer(tb testing.TB) *Server {
	s := &Server{
		tb:         tb,
		conns:      make(map[*serverConn]struct{}),
		handlers:   make(map[wire.Kind]Handler),
		rejectSubs: make(map[string]wire.SubscribeAckPayload),
		cursors:    make(map[wire.Kind]int),
	}
	s.up = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.hs = httptest.NewServer(http.HandlerFunc(s.upgrade))
	tb.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http")
}

// Handle registers a request handler for the given message kind.
func (s *Server) Handle(kind wire.Kind, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// RejectSubscriptions makes subscribe requests for event fail with the
// given code and reason.
func (s *Server) RejectSubscriptions(event, code, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSubs[event] = wire.SubscribeAckPayload{Event: event, Code: code, Reason: reason}
}

// DropHeartbeats stops acknowledging client heartbeats, letting tests drive
// the client's staleness detection.
func (s *Server) DropHeartbeats(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteBeats = drop
}

// DropSubscriptionAcks leaves subscribe requests unacknowledged, so tests
// can observe event delivery to unconfirmed subscriptions.
func (s *Server) DropSubscriptionAcks(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteSubAcks = drop
}

// RefuseConnections rejects upgrade attempts while set, simulating an
// unreachable hub for reconnect tests.
func (s *Server) RefuseConnections(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// RequireToken demands the given bearer token during the handshake.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Connections returns how many client connections are currently open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections severs every open connection without a close handshake,
// as a crashed hub would.
func (s *Server) DropConnections() {
	for _, cn := range s.snapshot() {
		cn.ws.Close()
	}
}

// Push broadcasts an event envelope of the given kind to every connection.
func (s *Server) Push(kind wire.Kind, payload any) error {
	env, err := wire.New(kind, payload)
	if err != nil {
		return err
	}
	return s.PushEnvelope(env)
}

// PushEnvelope broadcasts a prebuilt envelope to every connection.
func (s *Server) PushEnvelope(env *wire.Envelope) error {
	for _, cn := range s.snapshot() {
		env.SessionID = cn.session
		if err := cn.write(env); err != nil {
			return fmt.Errorf("hubtest: push to %s: %w", cn.session, err)
		}
	}
	return nil
}

// Probe sends a hub-initiated heartbeat to every connection, returning the
// probe envelope so tests can correlate the acknowledgment.
func (s *Server) Probe() (*wire.Envelope, error) {
	env, err := wire.NewHeartbeat()
	if err != nil {
		return nil, err
	}
	return env, s.PushEnvelope(env)
}

// Received returns every recorded envelope of the given kind.
func (s *Server) Received(kind wire.Kind) []*wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Envelope
	for _, env := range s.received {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// Await blocks until the server receives an envelope of the given kind it
// has not returned before, or the timeout elapses.
func (s *Server) Await(kind wire.Kind, timeout time.Duration) (*wire.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		for i := s.cursors[kind]; i < len(s.received); i++ {
			if s.received[i].Type == kind {
				s.cursors[kind] = i + 1
				env := s.received[i]
				s.mu.Unlock()
				return env, nil
			}
		}
		s.cursors[kind] = len(s.received)
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("hubtest: no %s envelope within %s", kind, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close shuts the server down and severs remaining connections.
func (s *Server) Close() {
	s.DropConnections()
	s.hs.Close()
}

func (s *Server) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for cn := range s.conns {
		out = append(out, cn)
	}
	return out
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse, token := s.refuse, s.token
	s.mu.Unlock()

	if refuse {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.sessions++
	cn := &serverConn{ws: ws, session: fmt.Sprintf("sess-%d", s.sessions)}
	s.conns[cn] = struct{}{}
	s.mu.Unlock()

	hello, err := wire.New(wire.KindConnected, nil)
	if err == nil {
		hello.SessionID = cn.session
		if werr := cn.write(hello); werr != nil {
			s.tb.Logf("hubtest: handshake write: %v", werr)
		}
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return s.readLoop(cn) })
	g.Go(func() error { return s.pingLoop(ctx, cn) })
	go func() {
		_ = g.Wait()
		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
		ws.Close()
	}()
}

func (s *Server) readLoop(cn *serverConn) error {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := wire.Parse(data)
		if err != nil {
			s.tb.Logf("hubtest: discarding malformed envelope: %v", err)
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		s.react(cn, env)
	}
}

// pingLoop keeps transport-level pings flowing so half-dead sockets die.
func (s *Server) pingLoop(ctx context.Context, cn *serverConn) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cn.mu.Lock()
			cn.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := cn.ws.WriteMessage(websocket.PingMessage, nil)
			cn.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// react produces the protocol's server half: heartbeat acks, subscription
// acks and scripted request handling.
func (s *Server) react(cn *serverConn, env *wire.Envelope) {
	s.mu.Lock()
	mute := s.muteBeats
	handler := s.handlers[env.Type]
	var subAck *wire.SubscribeAckPayload
	if env.Type == wire.KindSubscribe && !s.muteSubAcks {
		var sub wire.SubscribePayload
		if err := env.Decode(&sub); err == nil {
			if rej, ok := s.rejectSubs[sub.Event]; ok {
				subAck = &rej
			} else {
				subAck = &wire.SubscribeAckPayload{Event: sub.Event}
			}
		}
	}
	s.mu.Unlock()

	switch env.Type {
	case wire.KindHeartbeat:
		if mute {
			return
		}
		ack, err := wire.NewHeartbeatAck(env)
		if err != nil {
			return
		}
		ack.SessionID = cn.session
		if err := cn.write(ack); err != nil {
			s.tb.Logf("hubtest: heartbeat ack write: %v", err)
		}
	case wire.KindSubscribe:
		if subAck == nil {
			return
		}
		kind := wire.KindSubscribed
		if subAck.Code != "" {
			kind = wire.KindSubscribeErr
		}
		ack, err := wire.New(kind, subAck)
		if err != nil {
			return
		}
		ack.SessionID = cn.session
		if err := cn.write(ack); err != nil {
			s.tb.Logf("hubtest: subscription ack write: %v", err)
		}
	case wire.KindUnsubscribe, wire.KindHeartbeatAck:
		// bookkeeping only
	default:
		if handler == nil {
			return
		}
		payload, errp := handler(env)
		var reply *wire.Envelope
		var err error
		if errp != nil {
			reply, err = wire.New(wire.KindError, errp)
		} else {
			reply, err = wire.New(wire.KindResponse, payload)
		}
		if err != nil {
			s.tb.Logf("hubtest: build reply: %v", err)
			return
		}
		reply.RequestID = env.RequestID
		reply.SessionID = cn.session
		if err := cn.write(reply); err != nil {
			s.tb.Logf("hubtest: reply write: %v", err)
		}
	}
}

func (cn *serverConn) write(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return cn.ws.WriteMessage(websocket.TextMessage, data)
}
