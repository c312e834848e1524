// ABOUTME: Interactive chat loop for loom-tui: readline input, slash commands,
// ABOUTME: and wiring of session, socket, store, and printer.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/client"
	"github.com/2389/loom/internal/config"
	"github.com/2389/loom/internal/conversation"
	"github.com/2389/loom/internal/idgen"
	"github.com/2389/loom/internal/render"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/timeline"
)

func runChat(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	socketURL, err := cfg.SocketURL()
	if err != nil {
		return fmt.Errorf("resolving socket url: %w", err)
	}

	token := resolveToken(cfg)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway: %s\n", cfg.Gateway.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Socket:  %s\n", socketURL)
	green.Print("    ▶ ")
	fmt.Printf("History: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Sender:  %s\n", cfg.Sender)

	if token == "" {
		yellow.Println("    ▶ No token configured (loom-tui token, or set LOOM_TOKEN)")
	} else if expiresAt, err := auth.ExpiresAt(token); err == nil && time.Now().After(expiresAt) {
		yellow.Printf("    ▶ Token expired %s (mint a fresh one with loom-tui token)\n",
			expiresAt.Format("Jan 02, 2006"))
	}
	fmt.Println()

	// Local history mirror. The conversation works without it, so a broken
	// database degrades to a warning rather than a refusal to start.
	var history conversation.HistoryStore
	if st, err := store.NewSQLiteStore(cfg.Database.Path); err != nil {
		logger.Warn("local history unavailable", "error", err)
	} else {
		history = st
		defer st.Close()
	}

	gateway := client.NewGateway(cfg.Gateway.BaseURL, token, logger)
	ctrl := conversation.New(idgen.Random{}, logger)
	session := conversation.NewSession(ctrl, gateway, history, cfg.Sender, logger)

	printer := newPrinter(os.Stdout)
	ctrl.Subscribe(printer.apply)

	// Restore the conversation: the gateway's copy is authoritative, the
	// local mirror covers offline starts.
	if records, err := gateway.FetchHistory(ctx, cfg.History.Limit); err != nil {
		logger.Warn("gateway history unavailable, restoring local copy", "error", err)
		if err := session.RestoreLocal(ctx, cfg.History.Limit); err != nil {
			logger.Warn("local history restore failed", "error", err)
		}
	} else if err := session.LoadHistory(records); err != nil {
		logger.Warn("history restore failed", "error", err)
	}

	sock := client.NewSessionSocket(client.SocketConfig{
		URL:          socketURL,
		Token:        token,
		PingInterval: cfg.Socket.PingInterval,
		PongTimeout:  cfg.Socket.PongTimeout,
		ReconnectMin: cfg.Socket.ReconnectMin,
		ReconnectMax: cfg.Socket.ReconnectMax,
	}, session, logger)

	go session.Run(ctx)
	go sock.Run(ctx)

	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if err := chatLoop(ctx, session, cfg.Sender); err != nil {
		return err
	}

	fmt.Println("\nGoodbye!")
	return nil
}

func chatLoop(ctx context.Context, session *conversation.Session, author string) error {
	scanner := bufio.NewScanner(os.Stdin)
	ctrl := session.Controller()

	for {
		// Prompt reflects who is on the other end right now
		if ctrl.HumanMode() {
			fmt.Print("[operator]> ")
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			runCommand(ctx, session, author, input)
			fmt.Println()
			continue
		}

		if _, err := session.Send(ctx, input); err != nil {
			if errors.Is(err, conversation.ErrTurnActive) {
				fmt.Println("[error] a turn is still streaming (/abort to cancel it)")
			} else {
				fmt.Printf("[error] %v\n", err)
			}
		}
	}
}

// runCommand dispatches a slash command. Unknown commands print help.
func runCommand(ctx context.Context, session *conversation.Session, author, input string) {
	ctrl := session.Controller()
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		printHelp()

	case "/status":
		printStatus(ctrl.Snapshot())

	case "/ids":
		printIDs(ctrl.Timeline())

	case "/abort":
		if session.Abort() {
			fmt.Println("Turn aborted")
		} else {
			fmt.Println("No active turn")
		}

	case "/withdraw":
		id := rest
		if id == "" {
			id = lastOwnMessageID(ctrl.Timeline(), author)
		}
		if id == "" {
			fmt.Println("Nothing to withdraw")
			return
		}
		if session.Withdraw(ctx, id, author) {
			fmt.Println("Withdrawn")
		} else {
			fmt.Printf("No message %s\n", id)
		}

	case "/edit":
		id, text, ok := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if !ok || id == "" || text == "" {
			fmt.Println("Usage: /edit <id> <new text>")
			return
		}
		if session.Edit(ctx, id, text, author) {
			fmt.Println("Edited")
		} else {
			fmt.Printf("No message %s\n", id)
		}

	case "/delete":
		ids := strings.Fields(rest)
		if len(ids) == 0 {
			fmt.Println("Usage: /delete <id> [<id>...]")
			return
		}
		n := session.Delete(ctx, ids)
		fmt.Printf("Deleted %d message(s)\n", n)

	case "/history":
		items := ctrl.Timeline()
		if len(items) == 0 {
			fmt.Println("No conversation history")
			return
		}
		fmt.Println(strings.Repeat("-", 60))
		tr := render.NewTranscript(os.Stdout)
		tr.ShowTimes = true
		if err := tr.WriteItems(items); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
		fmt.Println(strings.Repeat("-", 60))

	case "/export":
		path := rest
		if path == "" {
			path = "loom-export.html"
		}
		if err := exportTimeline(ctrl.Timeline(), path); err != nil {
			fmt.Printf("[error] %v\n", err)
			return
		}
		fmt.Printf("Exported to %s\n", path)

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printHelp()
	}
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /ids               List message ids for the commands below")
	fmt.Println("  /withdraw [id]     Withdraw a message (defaults to your last one)")
	fmt.Println("  /edit <id> <text>  Replace a message; your live messages regenerate")
	fmt.Println("  /delete <id>...    Remove messages permanently")
	fmt.Println("  /abort             Cancel the streaming turn")
	fmt.Println("  /status            Show session state")
	fmt.Println("  /history           Re-print the conversation with timestamps")
	fmt.Println("  /export [file]     Write the conversation to standalone HTML")
	fmt.Println("  /help              Show this help")
	fmt.Println("  /quit              Exit")
}

func printStatus(snap conversation.Snapshot) {
	mode := "live"
	if snap.HumanMode {
		mode = "operator"
	}
	peer := "offline"
	if snap.PeerOnline {
		peer = "online"
	}
	fmt.Printf("  Mode:      %s\n", mode)
	fmt.Printf("  Peer:      %s\n", peer)
	fmt.Printf("  Streaming: %t\n", snap.Streaming)
	fmt.Printf("  Rows:      %d\n", len(snap.Items))
}

// printIDs lists the message-like rows with their ids, for use with the
// moderation commands.
func printIDs(items []timeline.Item) {
	n := 0
	for i := range items {
		it := &items[i]
		switch it.Kind {
		case timeline.KindUserMessage, timeline.KindContent, timeline.KindFinal:
		case timeline.KindSupportEvent:
			if it.Support.Event != timeline.SupportOperatorMessage {
				continue
			}
		default:
			continue
		}
		marker := ""
		if it.Withdrawn {
			marker = " (withdrawn)"
		} else if it.Edited {
			marker = " (edited)"
		}
		fmt.Printf("  %s  %s%s\n", color.HiBlackString(it.ID), preview(it.Text(), 60), marker)
		n++
	}
	if n == 0 {
		fmt.Println("No messages yet")
	}
}

// lastOwnMessageID finds the most recent non-withdrawn message the local
// user wrote.
func lastOwnMessageID(items []timeline.Item, author string) string {
	for i := len(items) - 1; i >= 0; i-- {
		it := &items[i]
		if it.Kind == timeline.KindUserMessage && it.User.Author == author && !it.Withdrawn {
			return it.ID
		}
	}
	return ""
}

func exportTimeline(items []timeline.Item, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()
	return render.ExportHTML(f, "Conversation", items)
}

// preview folds text to one line and shortens it for list displays.
func preview(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
