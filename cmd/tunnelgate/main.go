// ABOUTME: Entry point for the tunnelgate reverse tunnel server
// ABOUTME: Accepts agent WebSocket connections and forwards public traffic to them

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/grand151/tunnelgate/internal/auth"
	"github.com/grand151/tunnelgate/internal/config"
	"github.com/grand151/tunnelgate/internal/lifecycle"
	"github.com/grand151/tunnelgate/internal/protocol"
	"github.com/grand151/tunnelgate/internal/registry"
	"github.com/grand151/tunnelgate/internal/server"
	"github.com/grand151/tunnelgate/internal/tunnel"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                              _            _
 | |_ _   _ _ __  _ __   ___| | __ _  __ _| |_ ___
 | __| | | | '_ \| '_ \ / _ \ |/ _' |/ _' | __/ _ \
 | |_| |_| | | | | | | |  __/ | (_| | (_| | ||  __/
  \__|\__,_|_| |_|_| |_|\___|_|\__, |\__,_|\__\___|
                               |___/
`

// getConfigPath returns the path to the tunnelgate config file.
// Priority: TUNNELGATE_CONFIG env var > XDG_CONFIG_HOME/tunnelgate/server.yaml > ~/.config/tunnelgate/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TUNNELGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tunnelgate", "server.yaml")
}

// getDataPath returns the path to the tunnelgate data directory.
// Priority: XDG_DATA_HOME/tunnelgate > ~/.local/share/tunnelgate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tunnelgate")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tunnelgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the tunnel server")
		fmt.Println("  init                       Create a config file with a fresh JWT secret")
		fmt.Println("  token --subdomain SUB ...  Mint a capability token for an agent")
		fmt.Println("  health                     Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Registry:  %s\n", cfg.Registry.Path)
	if cfg.Lifecycle.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Lifecycle: %s\n", cfg.Lifecycle.URL)
	}
	fmt.Println()

	logger.Info("starting tunnelgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"registry", cfg.Registry.Path,
	)

	reg, err := registry.NewSQLiteRegistry(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	var notifier lifecycle.Notifier = lifecycle.NopNotifier{}
	if cfg.Lifecycle.URL != "" {
		notifier = lifecycle.NewWebhookNotifier(cfg.Lifecycle.URL, cfg.Lifecycle.Token, logger)
	}

	manager := tunnel.NewManager(tunnel.ManagerParams{
		Registry:          reg,
		Lifecycle:         notifier,
		InstanceID:        instanceID(),
		KeepaliveInterval: cfg.Tunnel.KeepaliveInterval,
		IdleTimeout:       cfg.Tunnel.IdleTimeout,
		Logger:            logger,
	})

	srv := server.New(server.Params{
		Verifier:        auth.NewVerifier([]byte(cfg.Auth.JWTSecret)),
		Manager:         manager,
		Registry:        reg,
		ExchangeTimeout: cfg.Tunnel.ExchangeTimeout,
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// instanceID identifies this server process in the registry so a multi-node
// deployment can tell which node holds a given agent.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("tunnelgate-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runInit writes a starter config with a random JWT secret. Refuses to
// overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# tunnelgate configuration
# Generated by tunnelgate init

server:
  http_addr: "localhost:8080"

auth:
  jwt_secret: "%s"

registry:
  path: "%s"

tunnel:
  keepalive_interval: "25s"
  idle_timeout: "90s"
  exchange_timeout: "120s"

logging:
  level: "info"
  format: "text"
`, jwtSecret, filepath.Join(dataPath, "registry.db"))

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next: tunnelgate token --subdomain <sub> --workspace <ws> --port 3000")
	return nil
}

// runToken mints a capability token an agent can present on connect.
// Supports both "--flag value" and "--flag=value" formats.
func runToken() error {
	var (
		subdomain string
		workspace string
		user      string
		rootPort  int
		services  = map[string]int{}
		ttl       = 30 * 24 * time.Hour
		scopes    = []string{auth.ScopeConnect}
	)

	args := os.Args[2:]
	next := func(name string, i *int) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(arg, "=")
		value := func() (string, error) {
			if hasInline {
				return inline, nil
			}
			return next(name, &i)
		}
		var err error
		switch name {
		case "--subdomain", "-s":
			subdomain, err = value()
		case "--workspace", "-w":
			workspace, err = value()
		case "--user", "-u":
			user, err = value()
		case "--port", "-p":
			var v string
			if v, err = value(); err == nil {
				rootPort, err = strconv.Atoi(v)
			}
		case "--service":
			var v string
			if v, err = value(); err == nil {
				svcName, portStr, ok := strings.Cut(v, "=")
				if !ok {
					err = fmt.Errorf("--service wants name=port, got %q", v)
					break
				}
				var port int
				if port, err = strconv.Atoi(portStr); err == nil {
					services[svcName] = port
				}
			}
		case "--ttl", "-t":
			var v string
			if v, err = value(); err == nil {
				ttl, err = time.ParseDuration(v)
			}
		case "--scope":
			var v string
			if v, err = value(); err == nil {
				scopes = strings.Split(v, ",")
			}
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		if err != nil {
			return err
		}
	}

	if subdomain == "" {
		return fmt.Errorf("--subdomain is required")
	}
	if workspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	if rootPort <= 0 {
		return fmt.Errorf("--port is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	exposedPorts := map[string]int{protocol.RootPort: rootPort}
	for svcName, port := range services {
		exposedPorts[svcName] = port
	}

	verifier := auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(&auth.Claims{
		WorkspaceID:  workspace,
		UserID:       user,
		Subdomain:    subdomain,
		Scope:        scopes,
		ExposedPorts: exposedPorts,
	}, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Token for %s (expires in %s)\n", subdomain, ttl)
	fmt.Println()
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
