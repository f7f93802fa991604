package auth

import "sync"

// NetworkStatus is the coarse reachability reported by the host.
type NetworkStatus int

const (
	NetworkAvailable NetworkStatus = iota
	NetworkUnavailable
)

// ConnectivityMonitor reports host network changes. Callbacks may run on
// any goroutine.
type ConnectivityMonitor interface {
	AddCallback(cb func(NetworkStatus))
	Shutdown()
}

// NoopConnectivityMonitor never reports anything.
type NoopConnectivityMonitor struct{}

func (NoopConnectivityMonitor) AddCallback(func(NetworkStatus)) {}
func (NoopConnectivityMonitor) Shutdown()                       {}

// ManualConnectivityMonitor reports whatever status it is told, e.g. from
// a CLI command or a test.
type ManualConnectivityMonitor struct {
	mu        sync.Mutex
	callbacks []func(NetworkStatus)
}

func (m *ManualConnectivityMonitor) AddCallback(cb func(NetworkStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Set notifies every callback of status.
func (m *ManualConnectivityMonitor) Set(status NetworkStatus) {
	m.mu.Lock()
	cbs := append([]func(NetworkStatus){}, m.callbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(status)
	}
}

func (m *ManualConnectivityMonitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = nil
}
