package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketplace/internal/middleware"
	"marketplace/internal/models"

	"gorm.io/gorm"
)

// Options configures a seeding run.
type Options struct {
	TenantSlug              string
	Users                   int
	Conversations           int
	MessagesPerConversation int
	Clean                   bool
	RandSeed                int64
}

// Result summarizes what a run created.
type Result struct {
	Tenant        *models.Tenant
	Users         int
	Conversations int
	Messages      int
}

// Seeder populates one tenant with demo users, conversations and messages.
type Seeder struct {
	db *gorm.DB
}

// NewSeeder creates a new Seeder.
func NewSeeder(db *gorm.DB) *Seeder {
	return &Seeder{db: db}
}

// Run seeds the tenant named in opts.
func (s *Seeder) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.TenantSlug == "" {
		return nil, errors.New("tenant slug is required")
	}
	if opts.Users < 2 {
		return nil, errors.New("at least two users are needed to seed conversations")
	}

	factory, err := NewFactory(s.db, opts.RandSeed)
	if err != nil {
		return nil, err
	}

	tenant, err := factory.EnsureTenant(ctx, opts.TenantSlug)
	if err != nil {
		return nil, fmt.Errorf("ensure tenant: %w", err)
	}
	if opts.Clean {
		if err := s.ClearTenant(ctx, tenant.ID); err != nil {
			return nil, fmt.Errorf("clear tenant: %w", err)
		}
	}

	result := &Result{Tenant: tenant}
	users := make([]*models.User, 0, opts.Users)
	for i := 0; i < opts.Users; i++ {
		u, err := factory.CreateUser(ctx, tenant.ID)
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		users = append(users, u)
	}
	result.Users = len(users)

	seen := make(map[uint]struct{})
	for i := 0; i < opts.Conversations; i++ {
		creator := users[i%len(users)]
		conv, err := factory.CreateConversation(ctx, tenant.ID, creator, users)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		seen[conv.ID] = struct{}{}

		msgs, err := factory.CreateMessages(ctx, tenant.ID, conv, opts.MessagesPerConversation)
		result.Messages += len(msgs)
		if err != nil {
			return nil, fmt.Errorf("create messages: %w", err)
		}
	}
	result.Conversations = len(seen)

	middleware.Logger.InfoContext(ctx, "seed completed",
		slog.String("tenant", tenant.Slug),
		slog.Int("users", result.Users),
		slog.Int("conversations", result.Conversations),
		slog.Int("messages", result.Messages),
	)
	return result, nil
}

// ClearTenant deletes every user, conversation and message of the tenant.
func (s *Seeder) ClearTenant(ctx context.Context, tenantID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		convIDs := tx.Model(&models.Conversation{}).Select("id").Where("tenant_id = ?", tenantID)
		if err := tx.Where("conversation_id IN (?)", convIDs).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id IN (?)", convIDs).Delete(&models.ConversationParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&models.Conversation{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ?", tenantID).Delete(&models.User{}).Error
	})
}
