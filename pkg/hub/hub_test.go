package hub

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skeinhq/skein-go/pkg/hub/hubtest"
)

// testTimeout bounds every wait in this package's tests.
const testTimeout = 3 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a client against s with timings tuned for tests.
// Heartbeats default to one minute so probes stay out of wire traffic unless
// a test opts in.
func newTestClient(t *testing.T, s *hubtest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithConnectTimeout(2 * time.Second),
		WithRequestTimeout(2 * time.Second),
		WithHeartbeatInterval(time.Minute),
		WithReconnectDelay(20*time.Millisecond, 100*time.Millisecond),
	}
	c, err := New(s.URL(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// lifecycleRecorder captures lifecycle events in delivery order.
type lifecycleRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *lifecycleRecorder) record(ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *lifecycleRecorder) kinds() []LifecycleKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *lifecycleRecorder) has(kind LifecycleKind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *lifecycleRecorder) count(kind LifecycleKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *lifecycleRecorder) find(kind LifecycleKind) (LifecycleEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return LifecycleEvent{}, false
}
