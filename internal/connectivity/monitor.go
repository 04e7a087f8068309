package connectivity

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives online/offline transitions.
type Listener func(online bool)

// Monitor tracks connectivity as reported by the hosting platform. It is
// edge-driven: SetOnline is called from platform bindings (browser
// online/offline events, app foreground transitions, netlink watchers) and
// the internal boolean changes only on those edges.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	listeners []Listener
	logger    *zerolog.Logger
}

// New builds a monitor with the given initial state.
func New(online bool, logger *zerolog.Logger) *Monitor {
	return &Monitor{online: online, logger: logger}
}

// IsOnline returns the current connectivity value.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a listener for transitions. Listeners run
// synchronously on the goroutine that reported the edge.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetOnline records a platform-reported edge. Setting the current value
// again is a no-op and notifies nobody.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, l := range listeners {
		l(online)
	}
}

// Resume signals a return to foreground. When the monitor already believes
// it is online, listeners are re-notified so a drain can run even though no
// connectivity event fired while the app was backgrounded.
func (m *Monitor) Resume() {
	m.mu.RLock()
	online := m.online
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	if !online {
		return
	}
	m.logger.Debug().Msg("foreground resume while online")
	for _, l := range listeners {
		l(true)
	}
}
