package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/skeinhq/skein-go/pkg/hub/hubtest"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func TestSend_Resolves(t *testing.T) {
	s := hubtest.NewServer(t)
	s.Handle("get_flow", func(env *wire.Envelope) (any, *wire.ErrorPayload) {
		var req struct {
			FlowID string `json:"flowId"`
		}
		if err := env.Decode(&req); err != nil {
			return nil, &wire.ErrorPayload{Code: wire.CodeInvalidEnvelope, Message: err.Error()}
		}
		return map[string]any{"flowId": req.FlowID, "status": "running"}, nil
	})

	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	raw, err := c.Send(context.Background(), "get_flow", map[string]string{"flowId": "flow-12"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var resp struct {
		FlowID string `json:"flowId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FlowID != "flow-12" || resp.Status != "running" {
		t.Errorf("response = %+v, want flow-12/running", resp)
	}
}

func TestSend_Timeout(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Send(context.Background(), "never_answered", nil, WithSendTimeout(80*time.Millisecond))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	// Only the request timed out; the connection is intact.
	if !c.IsConnected() {
		t.Error("connection dropped on request timeout")
	}
}

func TestSend_HubError(t *testing.T) {
	s := hubtest.NewServer(t)
	s.Handle("get_flow", func(*wire.Envelope) (any, *wire.ErrorPayload) {
		return nil, &wire.ErrorPayload{Code: wire.CodeNotFound, Message: "no such flow"}
	})
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Send(context.Background(), "get_flow", map[string]string{"flowId": "nope"})
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if re.Code != wire.CodeNotFound {
		t.Errorf("code = %q, want %q", re.Code, wire.CodeNotFound)
	}
	if re.Message != "no such flow" {
		t.Errorf("message = %q, want %q", re.Message, "no such flow")
	}
}

func TestSend_ConnectionLost(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s, WithoutReconnect())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "slow_call", nil)
		errCh <- err
	}()
	if _, err := s.Await("slow_call", testTimeout); err != nil {
		t.Fatalf("request never arrived: %v", err)
	}
	s.DropConnections()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("send did not fail after connection loss")
	}
}

func TestSend_QueuedUntilConnect(t *testing.T) {
	s := hubtest.NewServer(t)
	s.Handle("deferred", func(*wire.Envelope) (any, *wire.ErrorPayload) {
		return map[string]bool{"ok": true}, nil
	})
	c := newTestClient(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "deferred", nil)
		errCh <- err
	}()

	// The request parks in the queue; nothing is on the wire yet.
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Received("deferred")); got != 0 {
		t.Fatalf("received %d deferred requests before connect, want 0", got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("queued Send: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("queued send never settled")
	}
}

func TestSend_ContextCancel(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, "never_answered", nil)
		errCh <- err
	}()
	if _, err := s.Await("never_answered", testTimeout); err != nil {
		t.Fatalf("request never arrived: %v", err)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("send did not observe cancellation")
	}
}

func TestSend_RejectsBadInput(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	if _, err := c.Send(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty kind")
	}
	if _, err := c.Send(context.Background(), "x", nil, WithPriority("urgent-ish")); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestSend_StampsEnvelopeOptions(t *testing.T) {
	s := hubtest.NewServer(t)
	s.Handle("annotated", func(*wire.Envelope) (any, *wire.ErrorPayload) { return nil, nil })
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return c.SessionID() != "" }, "handshake")

	_, err := c.Send(context.Background(), "annotated", nil,
		WithPriority(wire.PriorityHigh),
		WithCorrelationID("corr-9"),
		WithSendMetadata(map[string]any{"origin": "test"}),
	)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	env, err := s.Await("annotated", testTimeout)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if env.Priority != wire.PriorityHigh {
		t.Errorf("priority = %q, want %q", env.Priority, wire.PriorityHigh)
	}
	if env.CorrelationID != "corr-9" {
		t.Errorf("correlationId = %q, want corr-9", env.CorrelationID)
	}
	if env.SessionID == "" {
		t.Error("sessionId not stamped on request")
	}
	if env.Metadata["origin"] != "test" {
		t.Errorf("metadata = %v, want origin=test", env.Metadata)
	}
}

func TestCall_DecodesResponse(t *testing.T) {
	s := hubtest.NewServer(t)
	s.Handle("list_agents", func(*wire.Envelope) (any, *wire.ErrorPayload) {
		return []string{"planner", "executor"}, nil
	})
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	agents, err := Call[[]string](context.Background(), c, "list_agents", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(agents) != 2 || agents[0] != "planner" {
		t.Errorf("agents = %v, want [planner executor]", agents)
	}
}

func TestCall_DecodeMismatch(t *testing.T) {
	s := hubtest.NewServer(t)
	s.Handle("get_count", func(*wire.Envelope) (any, *wire.ErrorPayload) {
		return map[string]string{"count": "many"}, nil
	})
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type counted struct {
		Count int `json:"count"`
	}
	if _, err := Call[counted](context.Background(), c, "get_count", nil); err == nil {
		t.Error("expected decode error for mismatched payload")
	}
}
