package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConfigurePool(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	cfg := &config.Config{
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           5,
		DBConnMaxLifetimeMinutes: 15,
	}
	require.NoError(t, configurePool(db, cfg))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 10, sqlDB.Stats().MaxOpenConnections)
}

func TestDSN(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "marketplace"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=marketplace sslmode=disable", DSN(cfg))

	cfg.DBSSLMode = "require"
	assert.Contains(t, DSN(cfg), "sslmode=require")
}

func TestMigrateAndSchemaStatus(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	before, err := GetSchemaStatus(context.Background(), db)
	require.NoError(t, err)
	for _, s := range before {
		assert.False(t, s.Exists, s.Table)
	}

	require.NoError(t, Migrate(context.Background(), db))

	after, err := GetSchemaStatus(context.Background(), db)
	require.NoError(t, err)
	tables := make([]string, 0, len(after))
	for _, s := range after {
		assert.True(t, s.Exists, s.Table)
		tables = append(tables, s.Table)
	}
	assert.ElementsMatch(t, []string{"tenants", "users", "conversations", "conversation_participants", "messages"}, tables)

	assert.True(t, db.Migrator().HasColumn("conversations", "context_entity_type"))
	assert.True(t, db.Migrator().HasColumn("conversations", "settings_priority"))
}

func TestCustomGormLogger_LogMode(t *testing.T) {
	l := NewGormLogger(logger.Warn)
	silent := l.LogMode(logger.Silent).(*CustomGormLogger)
	assert.Equal(t, logger.Silent, silent.Config.LogLevel)
	assert.Equal(t, logger.Warn, l.Config.LogLevel)

	// Silent never invokes the SQL callback.
	silent.Trace(context.Background(), time.Now(), func() (string, int64) {
		t.Fatal("trace callback should not run when silent")
		return "", 0
	}, errors.New("boom"))
}
