package database

import (
	"context"
	"fmt"
	"log/slog"

	"marketplace/internal/middleware"
	"marketplace/internal/models"

	"gorm.io/gorm"
)

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.Tenant{},
		&models.User{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
	}
}

// Migrate applies the schema for every persistent model.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(PersistentModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// TableStatus reports whether a model's table exists.
type TableStatus struct {
	Table  string
	Exists bool
}

// GetSchemaStatus lists the managed tables and whether each is present.
func GetSchemaStatus(ctx context.Context, db *gorm.DB) ([]TableStatus, error) {
	migrator := db.WithContext(ctx).Migrator()
	statuses := make([]TableStatus, 0, len(PersistentModels()))
	for _, model := range PersistentModels() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("parse model %T: %w", model, err)
		}
		exists := migrator.HasTable(model)
		if !exists {
			middleware.Logger.WarnContext(ctx, "table missing", slog.String("table", stmt.Schema.Table))
		}
		statuses = append(statuses, TableStatus{Table: stmt.Schema.Table, Exists: exists})
	}
	return statuses, nil
}
