// ABOUTME: Tests for the SQLite registry implementation.
// ABOUTME: Covers registration, port/base lookups, heartbeats, and removal.

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *SQLiteRegistry {
	t.Helper()
	reg, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func testInfo() ConnectionInfo {
	return ConnectionInfo{
		Subdomain:   "abc123",
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		InstanceID:  "instance-1",
		Ports:       map[string]int{RootPortName: 3000, "api": 8081},
		ConnectedAt: time.Now().UTC(),
	}
}

func TestNewSQLiteRegistry_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "registry.db")

	reg, err := NewSQLiteRegistry(path)
	if err != nil {
		t.Fatalf("NewSQLiteRegistry failed: %v", err)
	}
	defer reg.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterConnection(ctx, testInfo()); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	port, err := reg.PortForSubdomain(ctx, "abc123")
	if err != nil {
		t.Fatalf("PortForSubdomain failed: %v", err)
	}
	if port != 3000 {
		t.Errorf("expected root port 3000, got %d", port)
	}

	base, err := reg.BaseSubdomain(ctx, "abc123")
	if err != nil || base != "abc123" {
		t.Errorf("expected base abc123, got %q (err=%v)", base, err)
	}

	instance, err := reg.InstanceForSubdomain(ctx, "abc123")
	if err != nil || instance != "instance-1" {
		t.Errorf("expected instance-1, got %q (err=%v)", instance, err)
	}
}

func TestCompositeServiceSubdomain(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterConnection(ctx, testInfo()); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	t.Run("known service", func(t *testing.T) {
		base, err := reg.BaseSubdomain(ctx, "api--abc123")
		if err != nil || base != "abc123" {
			t.Fatalf("expected base abc123, got %q (err=%v)", base, err)
		}
		port, err := reg.PortForSubdomain(ctx, "api--abc123")
		if err != nil || port != 8081 {
			t.Fatalf("expected port 8081, got %d (err=%v)", port, err)
		}
	})

	t.Run("unknown service", func(t *testing.T) {
		if _, err := reg.BaseSubdomain(ctx, "metrics--abc123"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := reg.PortForSubdomain(ctx, "metrics--abc123"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRegisterReplacesPorts(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterConnection(ctx, testInfo()); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	info := testInfo()
	info.InstanceID = "instance-2"
	info.Ports = map[string]int{RootPortName: 4000}
	if err := reg.RegisterConnection(ctx, info); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	port, err := reg.PortForSubdomain(ctx, "abc123")
	if err != nil || port != 4000 {
		t.Errorf("expected new root port 4000, got %d (err=%v)", port, err)
	}
	if _, err := reg.PortForSubdomain(ctx, "api--abc123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected stale service port to be gone, got %v", err)
	}
	instance, err := reg.InstanceForSubdomain(ctx, "abc123")
	if err != nil || instance != "instance-2" {
		t.Errorf("expected instance-2, got %q (err=%v)", instance, err)
	}
}

func TestRemoveConnection(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterConnection(ctx, testInfo()); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if err := reg.RemoveConnection(ctx, "abc123"); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}

	if _, err := reg.PortForSubdomain(ctx, "abc123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}

	// Removing again is not an error
	if err := reg.RemoveConnection(ctx, "abc123"); err != nil {
		t.Errorf("second RemoveConnection failed: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Heartbeat(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown subdomain, got %v", err)
	}

	if err := reg.RegisterConnection(ctx, testInfo()); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if err := reg.Heartbeat(ctx, "abc123"); err != nil {
		t.Errorf("Heartbeat failed: %v", err)
	}
}

func TestSplitServiceSubdomain(t *testing.T) {
	cases := []struct {
		in      string
		service string
		base    string
	}{
		{"abc123", "", "abc123"},
		{"api--abc123", "api", "abc123"},
		{"--abc123", "", "--abc123"},
		{"a--b--c", "a", "b--c"},
	}
	for _, tc := range cases {
		service, base := SplitServiceSubdomain(tc.in)
		if service != tc.service || base != tc.base {
			t.Errorf("SplitServiceSubdomain(%q) = (%q, %q), want (%q, %q)", tc.in, service, base, tc.service, tc.base)
		}
	}
}
