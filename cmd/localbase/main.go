// ABOUTME: Entry point for the localbase server and its maintenance commands
// ABOUTME: Runs the HTTP gateway and mints local sessions and tokens from the shell

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/localbase/internal/config"
	"github.com/2389/localbase/internal/gateway"
	"github.com/2389/localbase/internal/llm"
	"github.com/2389/localbase/internal/shim"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                 _ _
 | | ___   ___ __ _| | |__   __ _ ___  ___
 | |/ _ \ / __/ _' | | '_ \ / _' / __|/ _ \
 | | (_) | (_| (_| | | |_) | (_| \__ \  __/
 |_|\___/ \___\__,_|_|_.__/ \__,_|___/\___|
`

// getConfigPath returns the path to the localbase config file.
// Priority: LOCALBASE_CONFIG env var > XDG_CONFIG_HOME/localbase/config.yaml > ~/.config/localbase/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LOCALBASE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "localbase", "config.yaml")
}

// loadConfig loads the config file, falling back to defaults when there is
// none, and applies the LOCALBASE_DB_PATH override.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	if dbPath := os.Getenv("LOCALBASE_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, configPath, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: localbase <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the HTTP server")
		fmt.Println("  init                           Create the database and default records")
		fmt.Println("  session [--user ID]            Mint a local session and print its tokens")
		fmt.Println("  token --user ID [--email E]    Print a signed token")
		fmt.Println("  health                         Check the inference server")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(ctx)
	case "session":
		err = runSession(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
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
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s @ %s\n", cfg.LLM.DefaultModel, cfg.LLM.BaseURL)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting localbase",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	sh, err := shim.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating shim: %w", err)
	}

	return gateway.New(cfg, sh, logger).Run(ctx)
}

// runInit creates the schema and the default user and project, then prints them.
func runInit(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	sh, err := shim.New(ctx, cfg, setupLogger(config.LoggingConfig{Level: "warn"}))
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer sh.Close()

	defaults := shim.Defaults(cfg.Local)
	green := color.New(color.FgGreen)
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)
	green.Printf("  ✓ User:     %s <%s>\n", defaults.UserID, defaults.UserEmail)
	green.Printf("  ✓ Project:  %s (%s)\n", defaults.ProjectID, defaults.ProjectName)
	return nil
}

// runSession mints a session the way POST /auth/session does.
func runSession(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "user")
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	sh, err := shim.New(ctx, cfg, setupLogger(config.LoggingConfig{Level: "warn"}))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer sh.Close()

	bundle, err := sh.Auth.CreateLocalSession(ctx, flags["user"])
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	signed, err := sh.Auth.AuthResponse(bundle.User)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"user_id":       bundle.User.ID,
		"session_token": bundle.AccessToken,
		"refresh_token": bundle.RefreshToken,
		"access_token":  signed.AccessToken,
		"expires_at":    bundle.Session.ExpiresAt,
	})
}

// runToken prints a signed token without touching the database.
func runToken(_ context.Context, args []string) error {
	flags, err := parseFlags(args, "user", "email")
	if err != nil {
		return err
	}
	if flags["user"] == "" {
		return errors.New("--user flag is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	issuer, err := shim.NewTokenIssuer(cfg)
	if err != nil {
		return err
	}
	token, err := issuer.Generate(flags["user"], flags["email"])
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// runHealth checks the inference server and lists the models it serves.
func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	client := llm.New(cfg.LLM, setupLogger(config.LoggingConfig{Level: "error"}))
	defer client.Close()

	if !client.HealthCheck(ctx) {
		return fmt.Errorf("inference server at %s is unreachable", cfg.LLM.BaseURL)
	}
	color.New(color.FgGreen).Printf("healthy: %s\n", cfg.LLM.BaseURL)

	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models.Models {
		marker := " "
		if m.ID == client.DefaultModel() {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, m.ID)
	}
	return nil
}

// parseFlags reads --name value and --name=value pairs for the allowed names.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	out := make(map[string]string, len(allowed))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !slices.Contains(allowed, name) {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
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
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived through WithAttrs and WithGroup share one lock.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
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

	prefix := strings.Join(h.groups, ".")
	if prefix != "" {
		prefix += "."
	}
	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
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
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
