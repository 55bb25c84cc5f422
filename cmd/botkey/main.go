package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/config"
	"github.com/gridworks/dispatch/internal/infrastructure/persistence/postgres"
)

// Command-line tool to provision a bot credential in the database.
// A development/operations utility, not part of the serving path.
func main() {
	botKey := flag.String("bot-key", "", "Stable bot key to provision (required)")
	flag.Parse()

	if *botKey == "" {
		flag.Usage()
		log.Fatal("-bot-key is required")
	}

	cfg, err := config.LoadDatabaseConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		URL:             cfg.URL,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTime) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	secret, err := auth.ProvisionCredential(ctx, store, *botKey)
	if err != nil {
		log.Fatalf("Failed to provision credential: %v", err)
	}

	fmt.Println("\nBot credential created successfully!")
	fmt.Println("----------------------------------------")
	fmt.Printf("Bot key: %s\n", *botKey)
	fmt.Printf("Bootstrap secret: %s\n\n", secret)
	fmt.Println("IMPORTANT: Save this secret now! It will not be shown again.")
	fmt.Println("----------------------------------------")
	fmt.Println("Usage example:")
	fmt.Printf("  BOT_KEY=%s BOT_BOOTSTRAP_SECRET=%s MAIN_SERVER_URL=http://localhost:8080 bot\n", *botKey, secret)
}
