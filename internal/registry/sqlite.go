// ABOUTME: SQLite implementation of the Registry interface using modernc.org/sqlite.
// ABOUTME: Provides connection/port records with automatic schema creation.

package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry implements the Registry interface using SQLite
type SQLiteRegistry struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteRegistry creates a new SQLite registry at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	logger := slog.Default().With("component", "registry")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	r := &SQLiteRegistry{
		db:     db,
		logger: logger,
	}

	if err := r.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite registry initialized", "path", path)
	return r, nil
}

// createSchema creates the registry tables if they don't exist
func (r *SQLiteRegistry) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			subdomain TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			connected_at DATETIME NOT NULL,
			last_heartbeat DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS connection_ports (
			subdomain TEXT NOT NULL,
			name TEXT NOT NULL,
			port INTEGER NOT NULL,
			PRIMARY KEY (subdomain, name)
		);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// RegisterConnection records a live connection and its port map, replacing
// any prior record for the subdomain.
func (r *SQLiteRegistry) RegisterConnection(ctx context.Context, info ConnectionInfo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	connectedAt := info.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (subdomain, workspace_id, user_id, instance_id, connected_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subdomain) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			user_id = excluded.user_id,
			instance_id = excluded.instance_id,
			connected_at = excluded.connected_at,
			last_heartbeat = excluded.last_heartbeat
	`, info.Subdomain, info.WorkspaceID, info.UserID, info.InstanceID, connectedAt, now)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM connection_ports WHERE subdomain = ?`, info.Subdomain); err != nil {
		return fmt.Errorf("clearing ports: %w", err)
	}
	for name, port := range info.Ports {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO connection_ports (subdomain, name, port) VALUES (?, ?, ?)
		`, info.Subdomain, name, port); err != nil {
			return fmt.Errorf("inserting port %q: %w", name, err)
		}
	}

	return tx.Commit()
}

// RemoveConnection deletes the connection record and its ports.
func (r *SQLiteRegistry) RemoveConnection(ctx context.Context, subdomain string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM connection_ports WHERE subdomain = ?`, subdomain); err != nil {
		return fmt.Errorf("deleting ports: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE subdomain = ?`, subdomain); err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}

	return tx.Commit()
}

// Heartbeat refreshes the liveness timestamp for a subdomain.
func (r *SQLiteRegistry) Heartbeat(ctx context.Context, subdomain string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET last_heartbeat = ? WHERE subdomain = ?
	`, time.Now().UTC(), subdomain)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking heartbeat result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PortForSubdomain resolves the agent port a public subdomain routes to.
func (r *SQLiteRegistry) PortForSubdomain(ctx context.Context, subdomain string) (int, error) {
	service, base := SplitServiceSubdomain(subdomain)
	name := service
	if name == "" {
		name = RootPortName
	}

	var port int
	err := r.db.QueryRowContext(ctx, `
		SELECT port FROM connection_ports WHERE subdomain = ? AND name = ?
	`, base, name).Scan(&port)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying port: %w", err)
	}
	return port, nil
}

// BaseSubdomain collapses a composite service subdomain to its base.
// The composite form only resolves when the base connection exists and
// actually exposes the named service.
func (r *SQLiteRegistry) BaseSubdomain(ctx context.Context, subdomain string) (string, error) {
	service, base := SplitServiceSubdomain(subdomain)

	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM connections WHERE subdomain = ?`, base).Scan(&exists)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying connection: %w", err)
	}

	if service != "" {
		var port int
		err := r.db.QueryRowContext(ctx, `
			SELECT port FROM connection_ports WHERE subdomain = ? AND name = ?
		`, base, service).Scan(&port)
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("querying service port: %w", err)
		}
	}

	return base, nil
}

// InstanceForSubdomain returns the server instance holding the connection.
func (r *SQLiteRegistry) InstanceForSubdomain(ctx context.Context, subdomain string) (string, error) {
	_, base := SplitServiceSubdomain(subdomain)

	var instanceID string
	err := r.db.QueryRowContext(ctx, `
		SELECT instance_id FROM connections WHERE subdomain = ?
	`, base).Scan(&instanceID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying instance: %w", err)
	}
	return instanceID, nil
}
