package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Gigaversity/characters.ai/internal/conversation"
	"github.com/Gigaversity/characters.ai/internal/events"
	"github.com/Gigaversity/characters.ai/internal/logger"
	"github.com/Gigaversity/characters.ai/internal/persona"
	"github.com/Gigaversity/characters.ai/internal/server"
	"github.com/Gigaversity/characters.ai/internal/tui"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	keyColor    = color.New(color.FgGreen, color.Bold)
	dimColor    = color.New(color.FgHiBlack)
	errorColor  = color.New(color.FgRed, color.Bold)
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the conversation tables",
		Long: `Create the conversations and full_conversations tables in the configured
database. Existing tables are left untouched.

Database selection:
- Default: MySQL (DB_HOST, DB_USER, DB_PASS, DB_NAME)
- DB_DRIVER=postgres: PostgreSQL with the same settings
- DB_DRIVER=sqlite3: local file at DB_NAME`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			keyColor.Printf("Initialized %s conversation store\n", store.Driver())
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	var personaKey string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a persona in the terminal",
		Long: `Open the terminal chat. Tab cycles personas, "/persona <name>" jumps to
one, "/clear" saves and clears the current transcript, Esc quits.

Transcripts are saved when you switch persona and again for every persona you
talked to when the session ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// The TUI owns the terminal; keep stderr logging out of it
			if cfg.Log.File == "" {
				logger.SetOutput(io.Discard)
			}

			if personaKey != "" {
				if _, err := a.session.Select(ctx, personaKey); err != nil {
					return err
				}
			}

			operatorEvents := a.bus.Stream(ctx, "tui", events.EventFilter{
				Types: []events.EventType{events.EventOperatorError},
			})

			runErr := tui.NewChatProgram(ctx, a.session, operatorEvents).Run(ctx)

			failures := a.session.End(context.WithoutCancel(ctx))
			for _, f := range failures {
				errorColor.Fprintf(os.Stderr, "Failed to save transcript: %v\n", f)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&personaKey, "persona", "", "Persona to start with (default: first persona)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a chat session over HTTP",
		Long: `Serve one chat session as a JSON API. SIGINT or SIGTERM ends the session,
saving every non-empty transcript, before the server stops.

Routes:
  GET  /api/personas
  GET  /api/session
  PUT  /api/session/persona
  POST /api/session/messages
  POST /api/session/end
  GET  /api/history/turns
  GET  /api/history/transcripts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = cfg.ServerAddr
			}
			return server.New(a.session, a.store).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: SERVER_ADDR)")
	return cmd
}

func personasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the available personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := persona.Load(cfg.PersonasFile)
			if err != nil {
				return err
			}

			headerColor.Println("Personas")
			for i, p := range registry.List() {
				marker := "  "
				if i == 0 {
					marker = "* "
				}
				fmt.Print(marker)
				keyColor.Print(p.Key)
				if p.DisplayName != p.Key {
					fmt.Printf(" (%s)", p.DisplayName)
				}
				if p.Avatar != "" {
					dimColor.Printf("  %s", p.Avatar)
				}
				fmt.Println()
			}
			dimColor.Println("\n* default selection")
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		character   string
		limit       int
		transcripts bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored exchanges or transcripts",
		Long: `Show the most recent stored exchanges, newest first. Use --transcripts to
list saved full transcripts instead, and --character to filter by persona
display name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if transcripts {
				return printTranscripts(ctx, store, character, limit)
			}
			return printTurns(ctx, store, character, limit)
		},
	}

	cmd.Flags().StringVar(&character, "character", "", "Filter by persona display name")
	cmd.Flags().IntVar(&limit, "limit", conversation.DefaultHistoryLimit, "Maximum records to show")
	cmd.Flags().BoolVar(&transcripts, "transcripts", false, "Show full transcripts instead of exchanges")
	return cmd
}

func printTurns(ctx context.Context, store conversation.Store, character string, limit int) error {
	records, err := store.RecentTurns(ctx, character, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		dimColor.Println("No exchanges recorded yet")
		return nil
	}

	for _, rec := range records {
		headerColor.Printf("#%d %s", rec.ID, rec.Character)
		dimColor.Printf("  %s\n", rec.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Printf("  You: %s\n", rec.UserMessage)
		fmt.Printf("  %s: %s\n\n", rec.Character, indent(rec.BotReply))
	}
	return nil
}

func printTranscripts(ctx context.Context, store conversation.Store, character string, limit int) error {
	records, err := store.RecentTranscripts(ctx, character, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		dimColor.Println("No transcripts saved yet")
		return nil
	}

	for _, rec := range records {
		headerColor.Printf("#%d %s", rec.ID, rec.Character)
		dimColor.Printf("  %s  %d turns\n", rec.Timestamp.Format("2006-01-02 15:04:05"), len(rec.Conversation))
		for _, turn := range rec.Conversation {
			speaker := "You"
			if turn.Role != types.ConversationRoleUser {
				speaker = rec.Character
			}
			fmt.Printf("  %s: %s\n", speaker, indent(turn.Content))
		}
		fmt.Println()
	}
	return nil
}

// indent keeps multi-line replies aligned under their speaker label
func indent(text string) string {
	return strings.ReplaceAll(strings.TrimSpace(text), "\n", "\n    ")
}
