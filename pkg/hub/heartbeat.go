package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skeinhq/skein-go/pkg/wire"
)

// heartbeatMonitor probes connection liveness while connected. It owns two
// timers: the probe interval and the stale cutoff armed per probe. Both are
// cancelled on stop, so no timer survives a disconnect.
type heartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	send     func(*wire.Envelope) error // transmit a probe on the current connection
	onStale  func()                     // declare the connection dead
	onAck    func(latency time.Duration)
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cycle   uint64 // incremented per start; stale cutoffs from old cycles are no-ops
	cancel  context.CancelFunc
	stale   *time.Timer
}

func newHeartbeatMonitor(interval, timeout time.Duration, log *slog.Logger) *heartbeatMonitor {
	if timeout <= 0 {
		timeout = 2 * interval
	}
	return &heartbeatMonitor{
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// start begins probing with the given transmit function. Restart after stop
// begins a fresh cycle; probes from the previous cycle are forgotten.
func (m *heartbeatMonitor) start(send func(*wire.Envelope) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.cycle++
	m.send = send

	go m.loop(ctx)
}

// stop halts probing and clears any armed stale cutoff.
func (m *heartbeatMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.cancel()
	m.running = false
	if m.stale != nil {
		m.stale.Stop()
		m.stale = nil
	}
}

// ack handles a heartbeat acknowledgment: clears the stale cutoff and
// reports the measured round trip.
func (m *heartbeatMonitor) ack(env *wire.Envelope) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if m.stale != nil {
		m.stale.Stop()
		m.stale = nil
	}
	m.mu.Unlock()

	var hb wire.HeartbeatPayload
	if err := env.Decode(&hb); err != nil || hb.SentAt == 0 {
		return
	}
	latency := time.Since(time.UnixMilli(hb.SentAt))
	if latency < 0 {
		latency = 0
	}
	m.log.Debug("heartbeat acknowledged", "latency", latency)
	if m.onAck != nil {
		m.onAck(latency)
	}
}

func (m *heartbeatMonitor) loop(ctx context.Context) {
	// Wait one full interval before the first probe.
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !m.probe() {
				return
			}
			timer.Reset(m.interval)
		}
	}
}

// probe sends one heartbeat and arms the stale cutoff, replacing any cutoff
// still pending from the previous probe.
func (m *heartbeatMonitor) probe() bool {
	env, err := wire.NewHeartbeat()
	if err != nil {
		m.log.Error("build heartbeat failed", "error", err)
		return true
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	send := m.send
	cycle := m.cycle
	if m.stale != nil {
		m.stale.Stop()
	}
	m.stale = time.AfterFunc(m.timeout, func() { m.expired(cycle) })
	m.mu.Unlock()

	if err := send(env); err != nil {
		m.log.Warn("heartbeat transmit failed", "error", err)
		m.expired(cycle)
		return false
	}
	return true
}

func (m *heartbeatMonitor) expired(cycle uint64) {
	m.mu.Lock()
	if !m.running || m.cycle != cycle {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.log.Warn("heartbeat unacknowledged, declaring connection stale", "timeout", m.timeout)
	m.onStale()
}
