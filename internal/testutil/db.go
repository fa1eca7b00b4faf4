// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"fmt"
	"testing"

	"marketplace/internal/database"
	"marketplace/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewSQLiteDB returns a migrated in-memory database. The pool is pinned to one
// connection because every SQLite :memory: connection is a separate database.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(database.PersistentModels()...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// NewMockDB returns a GORM handle on the Postgres dialect backed by sqlmock.
func NewMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open gorm on sqlmock: %v", err)
	}
	return db, mock
}

// CreateTenant inserts a tenant with the given slug.
func CreateTenant(t *testing.T, db *gorm.DB, slug string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Name: "Tenant " + slug, Slug: slug}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tenant
}

// CreateUsers inserts n users in the tenant and returns them in creation order.
func CreateUsers(t *testing.T, db *gorm.DB, tenantID uint, n int) []*models.User {
	t.Helper()
	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		u := &models.User{
			TenantID:    tenantID,
			Username:    fmt.Sprintf("t%d_user%d", tenantID, i+1),
			DisplayName: fmt.Sprintf("User %d", i+1),
			Email:       fmt.Sprintf("t%d_user%d@example.com", tenantID, i+1),
		}
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
		users = append(users, u)
	}
	return users
}
