package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skeinhq/skein-go/pkg/hub/hubtest"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func TestQueue_FlushesInOrder(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	for i := 1; i <= 3; i++ {
		if err := c.Publish("metric_tick", map[string]int{"n": i}, wire.ScopeUser, ""); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for want := 1; want <= 3; want++ {
		env, err := s.Await("metric_tick", testTimeout)
		if err != nil {
			t.Fatalf("tick %d: %v", want, err)
		}
		var p struct {
			N int `json:"n"`
		}
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.N != want {
			t.Errorf("tick = %d, want %d (queue order)", p.N, want)
		}
		if got := env.Metadata[wire.MetaScope]; got != "user" {
			t.Errorf("scope metadata = %v, want user", got)
		}
	}
}

func TestQueue_Limit(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s, WithQueueLimit(2))

	if err := c.Publish("evt", nil, "", ""); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.Publish("evt", nil, "", ""); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if err := c.Publish("evt", nil, "", ""); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third publish err = %v, want ErrQueueFull", err)
	}
	// Correlated sends hit the same cap, synchronously.
	if _, err := c.Send(context.Background(), "req", nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("send err = %v, want ErrQueueFull", err)
	}
}

func TestQueue_DropsExpiredEntries(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "stale_request", nil, WithTTL(30*time.Millisecond))
		errCh <- err
	}()
	time.Sleep(80 * time.Millisecond) // let the TTL lapse while parked
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("err = %v, want ErrRequestTimeout", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("expired request never settled")
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Received("stale_request")); got != 0 {
		t.Errorf("expired request reached the hub %d times, want 0", got)
	}
}

func TestQueue_DisconnectRejectsParked(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "parked", nil)
		errCh <- err
	}()
	waitFor(t, func() bool {
		c.mu.Lock()
		n := len(c.queue)
		c.mu.Unlock()
		return n == 1
	}, "request parked")

	c.Disconnect()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("parked request never settled")
	}
}

func TestQueue_DisconnectDropsPublishes(t *testing.T) {
	s := hubtest.NewServer(t)
	c := newTestClient(t, s)

	if err := c.Publish("doomed_event", nil, "", ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Received("doomed_event")); got != 0 {
		t.Errorf("dropped publish transmitted %d times, want 0", got)
	}
}
