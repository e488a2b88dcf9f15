package health

import (
	"sync"
	"time"
)

// Dependency states feed the tri-state service status.
type DepState string

const (
	DepUp   DepState = "up"
	DepDown DepState = "down"
)

// Service status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// eventStaleAfter marks the service degraded when subscribed but no
// event has arrived for this long.
const eventStaleAfter = 60 * time.Second

type dependency struct {
	state    DepState
	critical bool
	detail   string
}

// Monitor aggregates per-dependency states into the service status:
// unhealthy when any critical dependency is down, degraded when a
// non-critical one is (or the event stream has gone stale), healthy
// otherwise.
type Monitor struct {
	mu        sync.RWMutex
	started   time.Time
	deps      map[string]dependency
	lastEvent time.Time
	// subscribed gates staleness: before the first subscription there
	// is nothing to be stale about.
	subscribed   bool
	subscribedAt time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		started: time.Now(),
		deps:    make(map[string]dependency),
	}
}

// SetDependency records a dependency's state.
func (m *Monitor) SetDependency(name string, state DepState, critical bool, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[name] = dependency{state: state, critical: critical, detail: detail}
}

// NoteEvent records event arrival for staleness tracking.
func (m *Monitor) NoteEvent(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = at
}

// NoteSubscribed records that the upstream subscription is live.
func (m *Monitor) NoteSubscribed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribed {
		m.subscribed = true
		m.subscribedAt = time.Now()
	}
}

// DepSnapshot is one dependency's reported state.
type DepSnapshot struct {
	State    DepState `json:"state"`
	Critical bool     `json:"critical"`
	Detail   string   `json:"detail,omitempty"`
}

// Summary is the health document served on /health.
type Summary struct {
	Status        string                 `json:"status"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Dependencies  map[string]DepSnapshot `json:"dependencies"`
	LastEventAt   *time.Time             `json:"last_event_at,omitempty"`
}

// Summarize computes the current health document.
func (m *Monitor) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Status:        StatusHealthy,
		UptimeSeconds: time.Since(m.started).Seconds(),
		Dependencies:  make(map[string]DepSnapshot, len(m.deps)),
	}
	if !m.lastEvent.IsZero() {
		t := m.lastEvent
		s.LastEventAt = &t
	}

	for name, d := range m.deps {
		s.Dependencies[name] = DepSnapshot{State: d.state, Critical: d.critical, Detail: d.detail}
		if d.state == DepDown {
			if d.critical {
				s.Status = StatusUnhealthy
			} else if s.Status == StatusHealthy {
				s.Status = StatusDegraded
			}
		}
	}

	if s.Status == StatusHealthy && m.subscribed {
		last := m.lastEvent
		if last.IsZero() {
			last = m.subscribedAt
		}
		if time.Since(last) > eventStaleAfter {
			s.Status = StatusDegraded
		}
	}
	return s
}

// Ready reports readiness: every critical dependency is up.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.deps {
		if d.critical && d.state == DepDown {
			return false
		}
	}
	return true
}
