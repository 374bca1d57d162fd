// ABOUTME: Best-effort notifications to the external workspace lifecycle backend.
// ABOUTME: Fired on agent disconnect so the backend can wind down the workspace.

package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event describes one agent disconnect.
type Event struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Subdomain   string `json:"subdomain"`
	Cause       string `json:"cause"`
}

// Notifier tells the lifecycle backend that an agent's tunnel ended. Failures
// are for the caller to log, never to propagate; tunnel teardown completes
// regardless.
type Notifier interface {
	AgentDisconnected(ctx context.Context, ev Event) error
}

// NopNotifier is used when no lifecycle backend is configured.
type NopNotifier struct{}

// AgentDisconnected does nothing.
func (NopNotifier) AgentDisconnected(context.Context, Event) error { return nil }

// WebhookNotifier POSTs disconnect events to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier for the given endpoint. The token, if
// set, is sent as a bearer credential.
func NewWebhookNotifier(url, token string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// AgentDisconnected delivers the event. A non-2xx reply is an error.
func (n *WebhookNotifier) AgentDisconnected(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lifecycle backend returned %d", resp.StatusCode)
	}

	n.logger.Debug("lifecycle backend notified",
		"workspace_id", ev.WorkspaceID,
		"subdomain", ev.Subdomain,
		"cause", ev.Cause,
	)
	return nil
}
