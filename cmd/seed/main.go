// Command seed populates a tenant with demo users, conversations and messages.
package main

import (
	"context"
	"flag"
	"log"

	"marketplace/internal/config"
	"marketplace/internal/database"
	"marketplace/internal/seed"
)

func main() {
	tenant := flag.String("tenant", "demo", "Slug of the tenant to seed (created if missing)")
	numUsers := flag.Int("users", 20, "Number of users to create")
	numConversations := flag.Int("conversations", 30, "Number of conversations to create")
	numMessages := flag.Int("messages", 15, "Messages per conversation")
	shouldClean := flag.Bool("clean", false, "Delete the tenant's existing data first")
	randSeed := flag.Int64("seed", 0, "Random seed (0 picks one)")
	flag.Parse()

	log.Printf("Target: tenant=%s users=%d conversations=%d messages=%d clean=%v",
		*tenant, *numUsers, *numConversations, *numMessages, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("Refusing to seed a production database")
	}

	db, err := database.Connect(cfg, database.ConnectOptions{AutoMigrate: true})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	result, err := seed.NewSeeder(db).Run(context.Background(), seed.Options{
		TenantSlug:              *tenant,
		Users:                   *numUsers,
		Conversations:           *numConversations,
		MessagesPerConversation: *numMessages,
		Clean:                   *shouldClean,
		RandSeed:                *randSeed,
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Printf("Seeded tenant %s (id %d): %d users, %d conversations, %d messages",
		result.Tenant.Slug, result.Tenant.ID, result.Users, result.Conversations, result.Messages)
	log.Printf("All seeded users have the password: %s", seed.DefaultPassword)
}
