package seed

import (
	"context"
	"testing"

	"marketplace/internal/models"
	"marketplace/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeederRun(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	result, err := NewSeeder(db).Run(ctx, Options{
		TenantSlug:              "demo",
		Users:                   6,
		Conversations:           4,
		MessagesPerConversation: 3,
		RandSeed:                42,
	})
	require.NoError(t, err)

	assert.Equal(t, "demo", result.Tenant.Slug)
	assert.Equal(t, 6, result.Users)
	assert.Equal(t, 12, result.Messages)
	assert.GreaterOrEqual(t, result.Conversations, 1)
	assert.LessOrEqual(t, result.Conversations, 4)

	var conversations []models.Conversation
	require.NoError(t, db.Preload("Participants").Find(&conversations).Error)
	assert.Len(t, conversations, result.Conversations)

	var total int64
	for _, conv := range conversations {
		assert.Equal(t, result.Tenant.ID, conv.TenantID)
		assert.GreaterOrEqual(t, len(conv.Participants), 2)
		total += conv.MessageCount
	}
	assert.Equal(t, int64(12), total)
}

func TestSeederRun_CleanReplacesTenantData(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()
	opts := Options{TenantSlug: "demo", Users: 3, Conversations: 2, MessagesPerConversation: 2, RandSeed: 7}

	_, err := NewSeeder(db).Run(ctx, opts)
	require.NoError(t, err)

	opts.Clean = true
	_, err = NewSeeder(db).Run(ctx, opts)
	require.NoError(t, err)

	var tenants, users, messages int64
	require.NoError(t, db.Model(&models.Tenant{}).Count(&tenants).Error)
	require.NoError(t, db.Model(&models.User{}).Count(&users).Error)
	require.NoError(t, db.Model(&models.Message{}).Count(&messages).Error)
	assert.Equal(t, int64(1), tenants)
	assert.Equal(t, int64(3), users)
	assert.Equal(t, int64(4), messages)
}

func TestSeederRun_Validation(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	s := NewSeeder(db)

	_, err := s.Run(context.Background(), Options{Users: 3})
	assert.Error(t, err)

	_, err = s.Run(context.Background(), Options{TenantSlug: "demo", Users: 1})
	assert.Error(t, err)
}

func TestFactoryCreateUser_Overrides(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	tenant := testutil.CreateTenant(t, db, "acme")

	f, err := NewFactory(db, 1)
	require.NoError(t, err)

	u, err := f.CreateUser(context.Background(), tenant.ID, func(u *models.User) {
		u.Username = "fixed"
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", u.Username)
	assert.Equal(t, tenant.ID, u.TenantID)
	assert.NotEmpty(t, u.PasswordHash)
	assert.NotEqual(t, DefaultPassword, u.PasswordHash)
}
