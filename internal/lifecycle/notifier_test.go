// ABOUTME: Tests for the webhook lifecycle notifier.
// ABOUTME: Verifies payload shape, bearer auth, and error mapping.

package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookNotifierDeliversEvent(t *testing.T) {
	var gotAuth string
	var gotEvent Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotEvent); err != nil {
			t.Errorf("decoding event: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "lifecycle-token", slog.Default())
	err := n.AgentDisconnected(context.Background(), Event{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Subdomain:   "abc123",
		Cause:       "idle",
	})
	if err != nil {
		t.Fatalf("AgentDisconnected failed: %v", err)
	}

	if gotAuth != "Bearer lifecycle-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotEvent.WorkspaceID != "ws-1" || gotEvent.Subdomain != "abc123" || gotEvent.Cause != "idle" {
		t.Errorf("event mangled: %+v", gotEvent)
	}
}

func TestWebhookNotifierNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", slog.Default())
	err := n.AgentDisconnected(context.Background(), Event{WorkspaceID: "ws-1"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestWebhookNotifierUnreachable(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1/lifecycle", "", slog.Default())
	if err := n.AgentDisconnected(context.Background(), Event{}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNopNotifier(t *testing.T) {
	if err := (NopNotifier{}).AgentDisconnected(context.Background(), Event{}); err != nil {
		t.Fatalf("NopNotifier returned error: %v", err)
	}
}
