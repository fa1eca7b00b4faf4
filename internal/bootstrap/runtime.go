// Package bootstrap wires the process-wide runtime: database, Redis and
// development-only fixtures.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"marketplace/internal/cache"
	"marketplace/internal/config"
	"marketplace/internal/database"
	"marketplace/internal/middleware"
	"marketplace/internal/models"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// InitRuntime connects to the database and Redis. The schema is migrated automatically
// outside production. A nil Redis client means caching and events are disabled.
func InitRuntime(cfg *config.Config) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg, database.ConnectOptions{AutoMigrate: !cfg.IsProduction()})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if err := ensureDevTenant(cfg, db); err != nil {
		return nil, nil, fmt.Errorf("failed to bootstrap development tenant: %w", err)
	}

	return db, r, nil
}

// ensureDevTenant creates the development tenant and its admin user when enabled.
// Existing rows are left untouched apart from the admin password.
func ensureDevTenant(cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") || !cfg.DevBootstrapTenant {
		return nil
	}

	slug := strings.TrimSpace(strings.ToLower(cfg.DevTenantSlug))
	if slug == "" {
		slug = "dev"
	}
	email := strings.TrimSpace(strings.ToLower(cfg.DevAdminEmail))
	if email == "" {
		email = "admin@marketplace.local"
	}
	if cfg.DevAdminPassword == "" {
		return errors.New("DEV_ADMIN_PASSWORD must be set when DEV_BOOTSTRAP_TENANT is enabled")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(cfg.DevAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	var tenantID, adminID uint
	err = db.Transaction(func(tx *gorm.DB) error {
		tenant := models.Tenant{Slug: slug}
		if err := tx.Where(models.Tenant{Slug: slug}).
			Attrs(models.Tenant{Name: "Development"}).
			FirstOrCreate(&tenant).Error; err != nil {
			return err
		}
		tenantID = tenant.ID

		var admin models.User
		findErr := tx.Where("tenant_id = ? AND email = ?", tenant.ID, email).First(&admin).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			admin = models.User{
				TenantID:     tenant.ID,
				Username:     "admin",
				DisplayName:  "Marketplace Admin",
				Email:        email,
				PasswordHash: string(hashedPassword),
			}
			if err := tx.Create(&admin).Error; err != nil {
				return err
			}
		case findErr != nil:
			return findErr
		default:
			if err := tx.Model(&admin).Update("password_hash", string(hashedPassword)).Error; err != nil {
				return err
			}
		}
		adminID = admin.ID
		return nil
	})
	if err != nil {
		return err
	}

	middleware.Logger.Info("development tenant bootstrap ensured",
		slog.String("tenant", slug),
		slog.Uint64("tenant_id", uint64(tenantID)),
		slog.Uint64("admin_id", uint64(adminID)),
	)
	return nil
}
