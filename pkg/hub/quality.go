package hub

import (
	"sync"
	"time"
)

// latencyWindow is how many heartbeat samples feed the rolling average.
const latencyWindow = 16

// Quality is a point-in-time snapshot of connection health.
type Quality struct {
	State       State
	SessionID   string
	Latency     time.Duration // most recent heartbeat round trip
	AvgLatency  time.Duration // rolling average over the sample window
	Samples     int           // acknowledged heartbeats in the sample window
	Reconnects  int           // successful reconnects over the client lifetime
	ConnectedAt time.Time     // zero unless currently connected
	LastBeatAt  time.Time     // when the last acknowledgment arrived
}

// qualityTracker accumulates heartbeat latencies and connection counters.
// It has its own lock so the heartbeat ack path never contends with the
// client state lock.
type qualityTracker struct {
	mu          sync.Mutex
	latencies   [latencyWindow]time.Duration
	count       int
	next        int
	last        time.Duration
	lastBeatAt  time.Time
	reconnects  int
	connectedAt time.Time
}

func (q *qualityTracker) connected(reconnect bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connectedAt = time.Now()
	q.count = 0
	q.next = 0
	q.last = 0
	if reconnect {
		q.reconnects++
	}
}

func (q *qualityTracker) disconnected() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connectedAt = time.Time{}
}

func (q *qualityTracker) record(latency time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.last = latency
	q.lastBeatAt = time.Now()
	q.latencies[q.next] = latency
	q.next = (q.next + 1) % latencyWindow
	if q.count < latencyWindow {
		q.count++
	}
}

func (q *qualityTracker) snapshot() Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sum time.Duration
	for i := 0; i < q.count; i++ {
		sum += q.latencies[i]
	}
	snap := Quality{
		Latency:     q.last,
		Samples:     q.count,
		Reconnects:  q.reconnects,
		ConnectedAt: q.connectedAt,
		LastBeatAt:  q.lastBeatAt,
	}
	if q.count > 0 {
		snap.AvgLatency = sum / time.Duration(q.count)
	}
	return snap
}
