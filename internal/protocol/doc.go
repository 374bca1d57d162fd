// ABOUTME: Package protocol defines the framed JSON wire format for tunnel connections.
// ABOUTME: Frames are validated once at the boundary and typed thereafter.

// Package protocol defines the tunnel wire format.
//
// A tunnel connection carries discrete JSON text frames. Every frame has a
// type, a correlation id, and a timestamp; the type selects which of the
// remaining fields apply. One request frame begins a logical HTTP exchange,
// data frames stream either body in order, and a final data frame (or a
// close/error frame) ends each direction.
package protocol
