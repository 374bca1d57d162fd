// ABOUTME: Manages attached tunnel agents, enforcing one agent per subdomain.
// ABOUTME: Runs keepalive/idle eviction and fans out teardown on disconnect.

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grand151/tunnelgate/internal/lifecycle"
	"github.com/grand151/tunnelgate/internal/protocol"
	"github.com/grand151/tunnelgate/internal/registry"
)

// WebSocket close codes used when the server ends an agent connection.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseReplaced        = 1012
)

// Default keepalive timing.
const (
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
)

// AgentConn is the transport surface the manager needs from a connection.
type AgentConn interface {
	WriteFrame(f *protocol.Frame) error
	Close(code int, reason string) error
}

// Agent is one attached tunnel agent. Exactly one Agent exists per subdomain
// across the whole system; the registry arbitrates across server instances
// and the Manager within this one.
type Agent struct {
	Subdomain    string
	WorkspaceID  string
	UserID       string
	ExposedPorts map[string]int
	ConnectedAt  time.Time

	Conn AgentConn
	Mux  *Mux

	mu       sync.Mutex
	lastSeen time.Time
	torn     bool
	stop     chan struct{}
}

// MarkSeen records liveness. Called for every inbound frame and every
// completed exchange.
func (a *Agent) MarkSeen() {
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()
}

// LastSeen returns the most recent liveness timestamp.
func (a *Agent) LastSeen() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

// beginTeardown claims the single teardown slot. Returns false if some other
// path already tore this agent down.
func (a *Agent) beginTeardown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.torn {
		return false
	}
	a.torn = true
	close(a.stop)
	return true
}

// ManagerParams configures a Manager.
type ManagerParams struct {
	Registry          registry.Registry
	Lifecycle         lifecycle.Notifier
	InstanceID        string
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	Logger            *slog.Logger
}

// Manager owns the set of agents attached to this process.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	registry   registry.Registry
	lifecycle  lifecycle.Notifier
	instanceID string
	keepalive  time.Duration
	idle       time.Duration
	logger     *slog.Logger
}

// NewManager creates a Manager with the given collaborators.
func NewManager(p ManagerParams) *Manager {
	if p.KeepaliveInterval <= 0 {
		p.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	if p.Lifecycle == nil {
		p.Lifecycle = lifecycle.NopNotifier{}
	}
	return &Manager{
		agents:     make(map[string]*Agent),
		registry:   p.Registry,
		lifecycle:  p.Lifecycle,
		instanceID: p.InstanceID,
		keepalive:  p.KeepaliveInterval,
		idle:       p.IdleTimeout,
		logger:     p.Logger,
	}
}

// Register installs an agent as the owner of its subdomain. A prior holder is
// force-closed and fully torn down first, which keeps the single-owner
// invariant even under reconnect races. The registry record is written before
// the agent becomes routable.
func (m *Manager) Register(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	prior := m.agents[agent.Subdomain]
	m.mu.Unlock()

	if prior != nil {
		m.logger.Info("replacing agent for subdomain", "subdomain", agent.Subdomain)
		m.teardown(ctx, prior, CloseReplaced, "Replaced by new connection", "replaced")
	}

	agent.stop = make(chan struct{})
	agent.MarkSeen()

	err := m.registry.RegisterConnection(ctx, registry.ConnectionInfo{
		Subdomain:   agent.Subdomain,
		WorkspaceID: agent.WorkspaceID,
		UserID:      agent.UserID,
		InstanceID:  m.instanceID,
		Ports:       agent.ExposedPorts,
		ConnectedAt: agent.ConnectedAt,
	})
	if err != nil {
		return fmt.Errorf("registering connection: %w", err)
	}

	m.mu.Lock()
	m.agents[agent.Subdomain] = agent
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("agent connected",
		"subdomain", agent.Subdomain,
		"workspace_id", agent.WorkspaceID,
		"total_agents", total,
	)

	go m.keepaliveLoop(agent)
	return nil
}

// Get returns the attached agent for a base subdomain, if this process holds it.
func (m *Manager) Get(subdomain string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[subdomain]
	return agent, ok
}

// Count reports how many agents are attached to this process.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Disconnect tears an agent down after its connection ended or misbehaved.
// Safe to call more than once.
func (m *Manager) Disconnect(ctx context.Context, agent *Agent, cause string) {
	m.teardown(ctx, agent, CloseGoingAway, cause, cause)
}

// Shutdown tears down every attached agent. Used on server exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		m.teardown(ctx, a, CloseGoingAway, "server shutting down", "shutdown")
	}
}

// teardown releases everything the agent holds: its slot, keepalive loop,
// pending exchanges, registry record, and finally the physical connection.
// Lifecycle notification is best-effort; its failure never blocks teardown.
func (m *Manager) teardown(ctx context.Context, agent *Agent, closeCode int, closeReason, cause string) {
	if !agent.beginTeardown() {
		return
	}

	m.mu.Lock()
	if m.agents[agent.Subdomain] == agent {
		delete(m.agents, agent.Subdomain)
	}
	m.mu.Unlock()

	agent.Mux.CancelAll(ErrDisconnected)

	if err := agent.Conn.Close(closeCode, closeReason); err != nil {
		m.logger.Debug("closing agent connection", "subdomain", agent.Subdomain, "error", err)
	}

	if err := m.registry.RemoveConnection(ctx, agent.Subdomain); err != nil {
		m.logger.Warn("removing registry entry", "subdomain", agent.Subdomain, "error", err)
	}

	if err := m.lifecycle.AgentDisconnected(ctx, lifecycle.Event{
		WorkspaceID: agent.WorkspaceID,
		UserID:      agent.UserID,
		Subdomain:   agent.Subdomain,
		Cause:       cause,
	}); err != nil {
		m.logger.Warn("lifecycle notification failed", "subdomain", agent.Subdomain, "error", err)
	}

	m.logger.Info("agent disconnected", "subdomain", agent.Subdomain, "cause", cause)
}

// keepaliveLoop pings the agent and evicts it when it goes idle.
func (m *Manager) keepaliveLoop(agent *Agent) {
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-agent.stop:
			return
		case <-ticker.C:
			if idle := time.Since(agent.LastSeen()); idle > m.idle {
				m.logger.Info("evicting idle agent", "subdomain", agent.Subdomain, "idle", idle)
				m.teardown(context.Background(), agent, CloseGoingAway, "idle timeout", "idle")
				return
			}
			if err := agent.Conn.WriteFrame(protocol.NewPingFrame(NewExchangeID())); err != nil {
				m.logger.Debug("keepalive ping failed", "subdomain", agent.Subdomain, "error", err)
			}
			if err := m.registry.Heartbeat(context.Background(), agent.Subdomain); err != nil {
				m.logger.Debug("registry heartbeat failed", "subdomain", agent.Subdomain, "error", err)
			}
		}
	}
}
