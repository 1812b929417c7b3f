package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/paychat/chat-app/internal/companion"
	"github.com/paychat/chat-app/internal/messaging"
	"github.com/paychat/chat-app/internal/relay"
	"github.com/paychat/chat-app/internal/session"
)

func main() {
	log.Println("Starting Paychat companion responder...")

	// PostgreSQL setup.
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "paychat-responder"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Model setup. Without an API key the responder still runs, serving only
	// the canned fallback pool.
	modelConfig := companion.ModelConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
	generator := companion.NewModelGenerator(modelConfig)

	profiles := companion.NewProfileStore(db)
	messages := relay.NewMessageStore(db)
	sessions := session.NewStore(db)

	responder := companion.NewResponder(profiles, messages, sessions, generator, natsClient)

	if err := natsClient.SubscribeCompanionRequests(responder.Handle); err != nil {
		log.Fatalf("failed to subscribe to companion requests: %v", err)
	}

	log.Printf("Paychat companion responder running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  model:    %s", modelConfig.Model)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := responder.Shutdown(ctx); err != nil {
		log.Printf("responder shutdown: %v", err)
	}

	db.Close()
}
