// Package monitor derives the connection status of the device purely from
// message arrival. This is advisory state for the UI; sends are always
// attempted regardless.
package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
)

// Status is the derived connection status.
type Status int

const (
	// Disconnected means the device has been silent past the liveness window.
	Disconnected Status = iota
	// Connected means a message arrived inside the liveness window.
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// DefaultLivenessWindow is the silence duration after which the device is
// considered disconnected.
const DefaultLivenessWindow = 5 * time.Minute

// ConnectionState is an immutable view of the connection status.
type ConnectionState struct {
	Status   Status
	LastSeen time.Time // zero until the first message arrives
}

// Monitor tracks message arrival against a liveness window.
type Monitor struct {
	mu       sync.Mutex
	window   time.Duration
	status   Status
	lastSeen time.Time
	log      *logrus.Entry
}

// NewMonitor returns a Monitor with the given liveness window; zero selects
// DefaultLivenessWindow.
func NewMonitor(window time.Duration, log *logrus.Entry) *Monitor {
	if window == 0 {
		window = DefaultLivenessWindow
	}
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{window: window, log: log}
}

// Touch records message arrival: the device is connected and was last seen
// now.
func (m *Monitor) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Disconnected {
		m.log.Info("device connected")
	}
	m.status = Connected
	m.lastSeen = now
}

// Tick flips the status to Disconnected once the device has been silent past
// the liveness window. Invoked from the session timer.
func (m *Monitor) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Connected && now.Sub(m.lastSeen) > m.window {
		m.status = Disconnected
		m.log.Warn("device disconnected, no message within liveness window")
	}
}

// Snapshot returns the current connection state.
func (m *Monitor) Snapshot() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{Status: m.status, LastSeen: m.lastSeen}
}
