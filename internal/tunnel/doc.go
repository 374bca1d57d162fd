// ABOUTME: Package tunnel holds the per-connection multiplexer and the agent manager.
// ABOUTME: One physical connection carries unbounded concurrent HTTP exchanges.

// Package tunnel implements the server side of the tunnel data plane.
//
// Each attached agent owns one Mux, which correlates request frames sent to
// the agent with the response and data frames it returns, demultiplexing
// purely by exchange id. The Manager enforces the one-agent-per-subdomain
// invariant, runs keepalive and idle eviction, and fans out teardown when a
// connection ends so no pending caller is left hanging.
package tunnel
