// Package main is the entry point for the characters CLI
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gigaversity/characters.ai/internal/completion"
	"github.com/Gigaversity/characters.ai/internal/config"
	"github.com/Gigaversity/characters.ai/internal/conversation"
	"github.com/Gigaversity/characters.ai/internal/events"
	"github.com/Gigaversity/characters.ai/internal/logger"
	"github.com/Gigaversity/characters.ai/internal/persona"
	"github.com/Gigaversity/characters.ai/internal/session"
	"github.com/Gigaversity/characters.ai/internal/webhooks"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Setup(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "characters",
		Short: "Chat with legendary personas",
		Long: `Characters lets you converse with preset personas, each driven by a fixed
instruction prompt and a hosted language model. Every exchange is logged to a
relational database, and full transcripts are saved whenever you switch
persona or end the session.`,
		Version:      "0.1.0",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		initCmd(),
		chatCmd(),
		serveCmd(),
		personasCmd(),
		historyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore validates database settings, connects and ensures the schema
func openStore(ctx context.Context) (*conversation.SQLStore, error) {
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, err
	}

	store, err := conversation.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// app bundles what a chat front end needs
type app struct {
	store    *conversation.SQLStore
	bus      *events.Bus
	session  *session.Session
	webhooks *webhooks.Manager
}

// Close closes the bus before stopping webhooks so the events End published
// are forwarded first
func (a *app) Close() {
	a.bus.Close()
	if a.webhooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.webhooks.Stop(ctx); err != nil {
			logger.Warnf(ctx, "Webhook deliveries still pending at exit: %v", err)
		}
	}
	a.store.Close()
}

// startWebhooks forwards bus events to the configured endpoint, if any
func startWebhooks(ctx context.Context, bus *events.Bus) (*webhooks.Manager, error) {
	if cfg.Webhook.URL == "" {
		return nil, nil
	}

	types := make([]events.EventType, 0, len(cfg.Webhook.Events))
	for _, name := range cfg.Webhook.Events {
		types = append(types, events.EventType(name))
	}

	m := webhooks.NewManager(cfg.Webhook.Timeout)
	if err := m.Register(&webhooks.Webhook{
		ID:      "default",
		URL:     cfg.Webhook.URL,
		Secret:  cfg.Webhook.Secret,
		Events:  types,
		Enabled: true,
	}); err != nil {
		return nil, err
	}
	m.Start(1)
	// Forwarding ends with the bus, not the signal context, so events
	// published while the session ends still go out
	m.Forward(context.WithoutCancel(ctx), bus)
	return m, nil
}

// newApp builds a session on the configured store and completion service
func newApp(ctx context.Context) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := persona.Load(cfg.PersonasFile)
	if err != nil {
		return nil, err
	}

	client, err := completion.New(ctx, cfg.Completion)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	hooks, err := startWebhooks(ctx, bus)
	if err != nil {
		bus.Close()
		store.Close()
		return nil, err
	}

	reporter := events.NewReporter(bus)
	sess := session.New(registry, client, store, reporter, session.Options{
		MaxOutputTokens: cfg.Completion.MaxOutputTokens,
		Notifier:        reporter,
	})

	logger.Infof(ctx, "Started session %s with %d personas", sess.ID(), len(registry.Keys()))
	return &app{store: store, bus: bus, session: sess, webhooks: hooks}, nil
}
