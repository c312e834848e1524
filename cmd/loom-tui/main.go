// ABOUTME: Entry point for loom-tui, the interactive conversation client
// ABOUTME: Streams assistant turns over SSE and session events over WebSocket

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/config"
	"github.com/2389/loom/internal/conversation"
	"github.com/2389/loom/internal/render"
	"github.com/2389/loom/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _
| | ___   ___  _ __ ___
| |/ _ \ / _ \| '_ ' _ \
| | (_) | (_) | | | | | |
|_|\___/ \___/|_| |_| |_|
`

// getConfigPath returns the path to the client config file.
// Priority: LOOM_CONFIG env var > XDG_CONFIG_HOME/loom/config.yaml > ~/.config/loom/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LOOM_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "loom", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: loom-tui <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  chat                   Talk to the gateway interactively")
		fmt.Println("  history                Print the locally persisted conversation")
		fmt.Println("  export                 Write the conversation to standalone HTML")
		fmt.Println("  token --secret SECRET  Mint and save a bearer token")
		fmt.Println("  version                Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx)
	case "history":
		err = runHistory(ctx)
	case "export":
		err = runExport(ctx)
	case "token":
		err = runToken()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger builds the slog logger for the chat session. Output goes to
// stderr: stdout belongs to the transcript.
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
		handler = slog.NewJSONHandler(os.Stderr, opts)
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
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

// resolveToken returns the bearer token for the gateway. An explicit
// auth.token_file in the config wins over LOOM_TOKEN and the default file.
func resolveToken(cfg *config.Config) string {
	if cfg.Auth.TokenFile != "" {
		data, err := os.ReadFile(cfg.Auth.TokenFile)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return auth.LoadToken()
}

// runHistory prints the locally persisted conversation without connecting
// to a gateway.
func runHistory(ctx context.Context) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Most recent records to show (0 = all)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer st.Close()

	records, err := st.ListMessages(ctx, *limit)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No conversation history")
		return nil
	}

	tr := render.NewTranscript(os.Stdout)
	tr.ShowTimes = true
	return tr.WriteItems(conversation.Reconstruct(records))
}

// runExport writes the locally persisted conversation to a standalone HTML
// file.
func runExport(ctx context.Context) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "loom-export.html", "Output file path")
	title := fs.String("title", "Conversation", "Document title")
	limit := fs.Int("limit", 0, "Most recent records to include (0 = all)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer st.Close()

	records, err := st.ListMessages(ctx, *limit)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}

	items := conversation.Reconstruct(records)

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	if err := render.ExportHTML(f, *title, items); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Exported %d rows: %s\n", len(items), *out)
	return nil
}

// runToken mints a bearer token with the shared gateway secret and saves it
// where chat will find it.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("LOOM_SECRET"), "Shared signing secret (or LOOM_SECRET)")
	sender := fs.String("sender", "", "Sender name (defaults to config)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	if *secret == "" {
		return fmt.Errorf("--secret is required (or set LOOM_SECRET)")
	}

	name := *sender
	if name == "" {
		cfg, err := config.LoadOrDefault(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		name = cfg.Sender
	}

	token, err := auth.NewHS256([]byte(*secret)).Mint(name, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	path, err := auth.SaveToken(token)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	expiresAt := time.Now().Add(*ttl).UTC()

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token: %s\n", path)
	fmt.Printf("  Sender:  %s\n", name)
	fmt.Printf("  Expires: %s\n", expiresAt.Format("Jan 02, 2006"))
	return nil
}
