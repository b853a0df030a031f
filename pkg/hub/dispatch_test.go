package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skeinhq/skein-go/pkg/hub/hubtest"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func TestOnMessage_DeliversAndRemoves(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls atomic.Int32
	remove := c.OnMessage("audit_event", func(*wire.Envelope) { calls.Add(1) })
	if err := s.Push("audit_event", map[string]int{"seq": 1}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 }, "listener delivery")

	remove()
	remove() // removing twice is fine
	if err := s.Push("audit_event", map[string]int{"seq": 2}); err != nil {
		t.Fatalf("second push: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d after remove, want 1", got)
	}
}

func TestOnEnvelope_SeesControlTraffic(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	var mu sync.Mutex
	var kinds []wire.Kind
	c.OnEnvelope(func(env *wire.Envelope) {
		mu.Lock()
		kinds = append(kinds, env.Type)
		mu.Unlock()
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range kinds {
			if k == wire.KindConnected {
				return true
			}
		}
		return false
	}, "handshake visible to catch-all listener")
}

func TestOnTarget_RoutesByIdentifier(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var hits atomic.Int32
	c.OnTarget("exec-7", func(*wire.Envelope) { hits.Add(1) })

	if err := s.Push(wire.EventFlowProgress, map[string]any{"executionId": "exec-7", "progress": 10}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	waitFor(t, func() bool { return hits.Load() == 1 }, "targeted delivery")

	if err := s.Push(wire.EventFlowProgress, map[string]any{"executionId": "exec-8", "progress": 20}); err != nil {
		t.Fatalf("second push: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Errorf("hits = %d, want 1 (other targets ignored)", got)
	}
}

func TestFanout_SuppressesReplayedEnvelopes(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls atomic.Int32
	c.OnMessage(wire.EventToolUpdated, func(*wire.Envelope) { calls.Add(1) })

	env, err := wire.New(wire.EventToolUpdated, map[string]string{"tool": "search"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.PushEnvelope(env); err != nil {
		t.Fatalf("first push: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 }, "first delivery")

	// Same requestId again, as a hub replay after resubscribe would look.
	if err := s.PushEnvelope(env); err != nil {
		t.Fatalf("second push: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (duplicate suppressed)", got)
	}
}

func TestFanout_ReplayFilterCanBeDisabled(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s, WithoutReplayFilter())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls atomic.Int32
	c.OnMessage(wire.EventToolUpdated, func(*wire.Envelope) { calls.Add(1) })

	env, err := wire.New(wire.EventToolUpdated, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.PushEnvelope(env); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := s.PushEnvelope(env); err != nil {
		t.Fatalf("second push: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 2 }, "both deliveries")
}

func TestLifecycle_OrderOnConnect(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	rec := &lifecycleRecorder{}
	c.OnLifecycle(rec.record)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return len(rec.kinds()) >= 2 }, "lifecycle delivery")
	kinds := rec.kinds()
	if kinds[0] != LifecycleConnecting || kinds[1] != LifecycleConnected {
		t.Errorf("lifecycle order = %v, want [connecting connected ...]", kinds)
	}
}

func TestOnLifecycle_RemoveStopsDelivery(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)
	rec := &lifecycleRecorder{}
	remove := c.OnLifecycle(rec.record)
	remove()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.kinds()); got != 0 {
		t.Errorf("events after remove = %d, want 0", got)
	}
}
