// ABOUTME: Capability token verification for authenticating tunnel agents.
// ABOUTME: Uses HS256 signing with configurable secret and typed claims.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grand151/tunnelgate/internal/protocol"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Scopes understood by the tunnel server. ScopeWildcard satisfies any
// requirement.
const (
	ScopeConnect  = "tunnel:connect"
	ScopeWildcard = "tunnel:*"
)

// Claims are the capability claims carried by a signed agent token. The
// exposed-ports map is the authoritative allowlist of ports the agent may
// tunnel traffic to; the RootPort key names the primary port.
type Claims struct {
	WorkspaceID  string         `json:"workspaceId"`
	UserID       string         `json:"userId"`
	Subdomain    string         `json:"subdomain"`
	Scope        []string       `json:"scope"`
	ExposedPorts map[string]int `json:"exposedPorts,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants the required scope, either
// exactly or via the wildcard.
func (c *Claims) HasScope(required string) bool {
	for _, s := range c.Scope {
		if s == ScopeWildcard || s == required {
			return true
		}
	}
	return false
}

// RootPort returns the primary port granted by the token.
func (c *Claims) RootPort() (int, bool) {
	port, ok := c.ExposedPorts[protocol.RootPort]
	return port, ok
}

// Verifier validates capability tokens signed with a shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier with the given secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify validates the token signature and expiry and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subdomain == "" {
		return nil, fmt.Errorf("%w: subdomain", ErrMissingClaim)
	}
	if claims.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspaceId", ErrMissingClaim)
	}

	return claims, nil
}

// Generate signs a token for the given claims with the configured secret.
// Used by the token subcommand and by tests; production tokens come from the
// external identity service with the same shape.
func (v *Verifier) Generate(claims *Claims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
