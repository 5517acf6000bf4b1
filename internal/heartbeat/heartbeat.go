// Package heartbeat implements the Heartbeat Monitor (C10): tracks a
// per-component last-beat timestamp and triggers the emergency path
// exactly once on a Healthy->Unhealthy transition. Grounded on the
// teacher's internal/events concurrent-map idiom. Entries are guarded by a
// single RWMutex and Beat briefly takes its write lock, so beats are not
// wait-free; the trigger edge uses an atomic compare-and-swap guard so no
// component needs to hold a lock across the emergency call.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-trading/control-plane/pkg/types"
)

// Trigger is the narrow outbound interface the monitor depends on,
// breaking the cyclic Heartbeat<->EmergencyProtocol<->Client reference
// (spec §9 design note); EmergencyProtocol itself depends only on the
// brokerage gateway.
type Trigger interface {
	Trigger(reason string)
}

type tracked struct {
	entry    types.HeartbeatEntry
	triggered int32 // atomic CAS guard: 0=not yet fired, 1=fired
}

// Monitor owns the heartbeat map exclusively; reads take mu's read lock
// and writes (Register, Beat) take its write lock, so a beat can block
// while another goroutine holds mu.
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*tracked

	ages prometheus.Gauge
}

// New builds a heartbeat monitor, registering a gauge of unhealthy
// components when reg is non-nil.
func New(reg prometheus.Registerer) *Monitor {
	m := &Monitor{entries: make(map[string]*tracked)}
	if reg != nil {
		m.ages = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heartbeat_unhealthy_components",
			Help: "Number of components currently past their heartbeat timeout.",
		})
		reg.MustRegister(m.ages)
	}
	return m
}

// Register creates or resets a component's heartbeat entry.
func (m *Monitor) Register(component string, timeout time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[component] = &tracked{entry: types.HeartbeatEntry{Component: component, Timeout: timeout, LastBeat: now}}
}

// Beat updates lastBeat to now for a registered component.
func (m *Monitor) Beat(component string, now time.Time) {
	m.mu.RLock()
	t, ok := m.entries[component]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.mu.Lock()
	t.entry.LastBeat = now
	m.mu.Unlock()
}

// Snapshot returns a copy of every entry's seconds-since-beat, for the
// control surface's GET heartbeat (spec §6).
func (m *Monitor) Snapshot(now time.Time) map[string]time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Duration, len(m.entries))
	for name, t := range m.entries {
		out[name] = now.Sub(t.entry.LastBeat)
	}
	return out
}

// Check scans every entry; any component whose now-lastBeat exceeds its
// timeout is unhealthy. On the first such detection for a component, it
// invokes trigger exactly once via an atomic compare-and-swap guard
// (spec §4.10); recovery back to healthy only informs, it never resets
// the guard (the emergency path requires an explicit manual reset).
func (m *Monitor) Check(now time.Time, trigger Trigger) []string {
	m.mu.RLock()
	snapshot := make([]*tracked, 0, len(m.entries))
	for _, t := range m.entries {
		snapshot = append(snapshot, t)
	}
	m.mu.RUnlock()

	var unhealthy []string
	unhealthyCount := 0
	for _, t := range snapshot {
		m.mu.RLock()
		entry := t.entry
		m.mu.RUnlock()
		if entry.Healthy(now) {
			continue
		}
		unhealthy = append(unhealthy, entry.Component)
		unhealthyCount++
		if atomic.CompareAndSwapInt32(&t.triggered, 0, 1) {
			if trigger != nil {
				trigger.Trigger("heartbeat timeout: " + entry.Component)
			}
		}
	}
	if m.ages != nil {
		m.ages.Set(float64(unhealthyCount))
	}
	return unhealthy
}
