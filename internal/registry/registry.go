// ABOUTME: Registry interface and data types for cross-process connection lookup.
// ABOUTME: Maps subdomains to the agent ports and server instance that own them.

package registry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no live connection record exists for a subdomain.
var ErrNotFound = errors.New("not found")

// RootPortName is the port-map key for an agent's primary port.
const RootPortName = "root"

// ConnectionInfo is the registry record for one live agent connection.
// InstanceID identifies which server process holds the physical connection,
// so other instances can tell a subdomain is live but not theirs.
type ConnectionInfo struct {
	Subdomain   string
	WorkspaceID string
	UserID      string
	InstanceID  string
	Ports       map[string]int
	ConnectedAt time.Time
}

// Registry is the cross-process connection lookup consulted by the front door
// and updated by the connection manager. Production multi-instance
// deployments back this with a shared service; the SQLite implementation
// covers single-node ones.
type Registry interface {
	// RegisterConnection records a live connection, replacing any prior
	// record for the same subdomain.
	RegisterConnection(ctx context.Context, info ConnectionInfo) error

	// RemoveConnection deletes the record for a subdomain. Removing an
	// absent record is not an error.
	RemoveConnection(ctx context.Context, subdomain string) error

	// Heartbeat refreshes the liveness timestamp for a subdomain.
	Heartbeat(ctx context.Context, subdomain string) error

	// PortForSubdomain resolves the agent port a public subdomain routes to:
	// the root port for a base subdomain, the named service port for a
	// composite one.
	PortForSubdomain(ctx context.Context, subdomain string) (int, error)

	// BaseSubdomain collapses a composite service subdomain to the base
	// subdomain that owns the connection. A base subdomain maps to itself.
	BaseSubdomain(ctx context.Context, subdomain string) (string, error)

	// InstanceForSubdomain returns the server instance holding the live
	// connection for a subdomain.
	InstanceForSubdomain(ctx context.Context, subdomain string) (string, error)
}

// SplitServiceSubdomain splits a composite "<service>--<base>" subdomain into
// its service name and base subdomain. For a plain base subdomain the service
// name is empty.
func SplitServiceSubdomain(subdomain string) (service, base string) {
	if i := strings.Index(subdomain, "--"); i > 0 {
		return subdomain[:i], subdomain[i+2:]
	}
	return "", subdomain
}
