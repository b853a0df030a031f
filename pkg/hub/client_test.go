package hub

import (
	"context"
	"errors"
	"testing"

	"github.com/skeinhq/skein-go/pkg/hub/hubtest"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func TestPublish_DeliversWhileConnected(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return c.SessionID() != "" }, "handshake")

	if err := c.Publish("flow_note_added", map[string]string{"note": "checkpoint"}, wire.ScopeFlow, "flow-4"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	env, err := s.Await("flow_note_added", testTimeout)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got := env.Metadata[wire.MetaScope]; got != "flow" {
		t.Errorf("scope = %v, want flow", got)
	}
	if got := env.Metadata[wire.MetaTargetID]; got != "flow-4" {
		t.Errorf("target = %v, want flow-4", got)
	}
	if env.SessionID == "" {
		t.Error("sessionId not stamped on event")
	}
}

func TestPublish_RejectsBadInput(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	if err := c.Publish("", nil, "", ""); err == nil {
		t.Error("expected error for empty event type")
	}
	if err := c.Publish("evt", nil, "galaxy", ""); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestPublish_RateLimited(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s, WithPublishLimit(1, 1))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Publish("metric_tick", nil, "", ""); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.Publish("metric_tick", nil, "", ""); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second publish err = %v, want ErrRateLimited", err)
	}
}

func TestQuality_ReportsStateAndSession(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	if got := c.Quality().State; got != StateDisconnected {
		t.Errorf("initial state = %v, want %v", got, StateDisconnected)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return c.Quality().SessionID == "sess-1" }, "session in quality snapshot")

	c.Disconnect()
	q := c.Quality()
	if q.State != StateDisconnected {
		t.Errorf("state after disconnect = %v, want %v", q.State, StateDisconnected)
	}
	if !q.ConnectedAt.IsZero() {
		t.Error("ConnectedAt survives disconnect")
	}
}

func TestClient_URLAccessor(t *testing.T) {
	c, err := New("wss://hub.example.com/realtime", WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.URL(); got != "wss://hub.example.com/realtime" {
		t.Errorf("URL = %q, want the configured url", got)
	}
}
