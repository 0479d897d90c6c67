package session

import (
	"context"
	"sync"
	"time"
)

// record tracks liveness for one authenticated session.
type record struct {
	lastSeen time.Time
}

// Monitor detects dead connections independently of transport-level
// disconnect signals. It sweeps its own registry on a fixed cadence and
// never blocks on socket I/O: expiry is reported through a callback and the
// actual close happens on the caller's side.
type Monitor struct {
	interval time.Duration
	grace    int
	onExpire func(sessionID string)

	mu      sync.Mutex
	records map[string]*record
}

// NewMonitor creates a monitor declaring a session dead after
// interval × grace without a heartbeat. onExpire runs on the sweep
// goroutine and must not block.
func NewMonitor(interval time.Duration, grace int, onExpire func(sessionID string)) *Monitor {
	return &Monitor{
		interval: interval,
		grace:    grace,
		onExpire: onExpire,
		records:  make(map[string]*record),
	}
}

// Interval returns the configured heartbeat cadence.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Register starts tracking a session. Called when a session authenticates.
func (m *Monitor) Register(sessionID string) {
	m.mu.Lock()
	m.records[sessionID] = &record{lastSeen: time.Now()}
	m.mu.Unlock()
}

// Deregister stops tracking a session. Deregistering twice is a no-op.
func (m *Monitor) Deregister(sessionID string) {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
}

// Touch records a heartbeat for a session. Unknown ids are ignored: the
// session may have been evicted between the client's send and this call.
func (m *Monitor) Touch(sessionID string) {
	m.mu.Lock()
	if rec, ok := m.records[sessionID]; ok {
		rec.lastSeen = time.Now()
	}
	m.mu.Unlock()
}

// Tracks reports whether a session is registered with the monitor.
func (m *Monitor) Tracks(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[sessionID]
	return ok
}

// Run sweeps the registry every interval until ctx is cancelled. The sweep
// is a map iteration plus timestamp compares, cheap enough for the 1s
// default cadence.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Monitor) sweep(now time.Time) {
	window := m.interval * time.Duration(m.grace)

	m.mu.Lock()
	var expired []string
	for id, rec := range m.records {
		if now.Sub(rec.lastSeen) > window {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.records, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.onExpire != nil {
			m.onExpire(id)
		}
	}
}
