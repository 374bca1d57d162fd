// ABOUTME: Package server hosts tunnelgate's two ingress surfaces.
// ABOUTME: Agents dial /tunnel/connect; public callers hit the catch-all by subdomain.

// Package server wires the tunnel's HTTP surface.
//
// Agents connect outbound to GET /tunnel/connect and authenticate with a
// capability token; public callers reach their services through the catch-all
// handler, which resolves the target agent and port from the Host subdomain
// and forwards the request over the tunnel as frames.
package server
