// The bot command runs one worker agent against the coordinator named
// by MAIN_SERVER_URL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridworks/dispatch/internal/agent"
	"github.com/gridworks/dispatch/internal/config"
)

// version is the agent build version reported to the coordinator.
var version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBotConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.InfoContext(ctx, "starting worker agent",
		"bot_key", cfg.BotKey,
		"coordinator", cfg.ServerURL,
		"version", version)

	client := agent.NewClient(cfg, version)
	return agent.New(cfg, client).Run(ctx)
}
