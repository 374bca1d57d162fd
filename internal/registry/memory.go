// ABOUTME: In-memory Registry implementation for tests and ephemeral deployments.
// ABOUTME: Mirrors the SQLite implementation's semantics behind a mutex.

package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Registry. Lookups and writes mirror the SQLite
// implementation; liveness timestamps are tracked but never expired.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]ConnectionInfo
	heartbeats  map[string]time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		connections: make(map[string]ConnectionInfo),
		heartbeats:  make(map[string]time.Time),
	}
}

// RegisterConnection records a live connection, replacing any prior record.
func (m *Memory) RegisterConnection(_ context.Context, info ConnectionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}
	ports := make(map[string]int, len(info.Ports))
	for name, port := range info.Ports {
		ports[name] = port
	}
	info.Ports = ports

	m.connections[info.Subdomain] = info
	m.heartbeats[info.Subdomain] = time.Now().UTC()
	return nil
}

// RemoveConnection deletes the record for a subdomain.
func (m *Memory) RemoveConnection(_ context.Context, subdomain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.connections, subdomain)
	delete(m.heartbeats, subdomain)
	return nil
}

// Heartbeat refreshes the liveness timestamp for a subdomain.
func (m *Memory) Heartbeat(_ context.Context, subdomain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[subdomain]; !ok {
		return ErrNotFound
	}
	m.heartbeats[subdomain] = time.Now().UTC()
	return nil
}

// PortForSubdomain resolves the agent port a public subdomain routes to.
func (m *Memory) PortForSubdomain(_ context.Context, subdomain string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	service, base := SplitServiceSubdomain(subdomain)
	name := service
	if name == "" {
		name = RootPortName
	}

	info, ok := m.connections[base]
	if !ok {
		return 0, ErrNotFound
	}
	port, ok := info.Ports[name]
	if !ok {
		return 0, ErrNotFound
	}
	return port, nil
}

// BaseSubdomain collapses a composite service subdomain to its base.
func (m *Memory) BaseSubdomain(_ context.Context, subdomain string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	service, base := SplitServiceSubdomain(subdomain)
	info, ok := m.connections[base]
	if !ok {
		return "", ErrNotFound
	}
	if service != "" {
		if _, ok := info.Ports[service]; !ok {
			return "", ErrNotFound
		}
	}
	return base, nil
}

// InstanceForSubdomain returns the server instance holding the connection.
func (m *Memory) InstanceForSubdomain(_ context.Context, subdomain string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, base := SplitServiceSubdomain(subdomain)
	info, ok := m.connections[base]
	if !ok {
		return "", ErrNotFound
	}
	return info.InstanceID, nil
}
