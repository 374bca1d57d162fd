// ABOUTME: Package auth verifies the signed capability tokens agents present.
// ABOUTME: Tokens are short-lived HS256 JWTs minted by the external identity service.

// Package auth verifies agent capability tokens.
//
// A token binds a subdomain to a workspace and user, grants scopes, and
// carries the allowlist of ports the agent may expose. Verification happens
// once, at the start of the tunnel auth handshake; a connection that never
// presents a valid token with the tunnel:connect scope is closed.
package auth
