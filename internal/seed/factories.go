// Package seed provides helpers to create demo data for development and testing.
// Conversations and messages go through the conversation service so seeded data
// obeys the same rules as API traffic.
package seed

import (
	"context"
	"fmt"
	"strings"

	"marketplace/internal/models"
	"marketplace/internal/repository"
	"marketplace/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is the password of every seeded user.
const DefaultPassword = "password123"

var conversationTypes = []string{
	string(models.ConversationTypeDirect),
	string(models.ConversationTypeGroup),
	string(models.ConversationTypeSupport),
	string(models.ConversationTypeBusiness),
}

// Factory builds domain entities and persists them.
type Factory struct {
	db            *gorm.DB
	conversations *service.ConversationService
	faker         *gofakeit.Faker
	passwordHash  string
}

// NewFactory creates a Factory bound to db. A zero seed picks a random one.
func NewFactory(db *gorm.DB, seed int64) (*Factory, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash default password: %w", err)
	}
	svc := service.NewConversationService(repository.NewConversationRepository(db), nil, nil, nil)
	return &Factory{
		db:            db,
		conversations: svc,
		faker:         gofakeit.New(seed),
		passwordHash:  string(hash),
	}, nil
}

// EnsureTenant returns the tenant with slug, creating it when missing.
func (f *Factory) EnsureTenant(ctx context.Context, slug string) (*models.Tenant, error) {
	tenant := models.Tenant{}
	err := f.db.WithContext(ctx).
		Where(models.Tenant{Slug: slug}).
		Attrs(models.Tenant{Name: f.faker.Company()}).
		FirstOrCreate(&tenant).Error
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// CreateUser persists a fake user in the tenant. Overrides run before the insert.
func (f *Factory) CreateUser(ctx context.Context, tenantID uint, overrides ...func(*models.User)) (*models.User, error) {
	first, last := f.faker.FirstName(), f.faker.LastName()
	user := &models.User{
		TenantID:     tenantID,
		Username:     strings.ToLower(first+"_"+last) + fmt.Sprintf("%d", f.faker.Number(100, 999)),
		DisplayName:  first + " " + last,
		Email:        f.faker.Email(),
		AvatarURL:    fmt.Sprintf("https://i.pravatar.cc/150?u=%s", f.faker.UUID()),
		PasswordHash: f.passwordHash,
	}
	for _, override := range overrides {
		override(user)
	}
	if err := f.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// CreateConversation opens a conversation of a random type between the creator and a
// random subset of users. Direct conversations may resolve to an existing one.
func (f *Factory) CreateConversation(ctx context.Context, tenantID uint, creator *models.User, users []*models.User) (*models.Conversation, error) {
	convType := models.ConversationType(f.faker.RandomString(conversationTypes))
	size := 2
	if convType != models.ConversationTypeDirect && len(users) > 2 {
		size = f.faker.Number(2, min(len(users), 5))
	}

	order := indexes(len(users))
	f.faker.ShuffleInts(order)
	ids := []uint{creator.ID}
	for _, idx := range order {
		if len(ids) == size {
			break
		}
		if users[idx].ID != creator.ID {
			ids = append(ids, users[idx].ID)
		}
	}

	in := service.CreateConversationInput{
		TenantID:       tenantID,
		CreatedBy:      creator.ID,
		ParticipantIDs: ids,
		Type:           convType,
	}
	switch convType {
	case models.ConversationTypeBusiness:
		in.Subject = "Question about your " + f.faker.Word()
		in.Context = &models.ConversationContext{EntityType: "listing", EntityID: f.faker.UUID()}
	case models.ConversationTypeSupport:
		in.Subject = "Help with order " + f.faker.Numerify("######")
		in.Context = &models.ConversationContext{EntityType: "order", EntityID: f.faker.Numerify("########")}
	case models.ConversationTypeGroup:
		in.Subject = f.faker.HipsterSentence(3)
	}
	return f.conversations.CreateConversation(ctx, in)
}

// CreateMessages sends n messages from random participants of conv.
func (f *Factory) CreateMessages(ctx context.Context, tenantID uint, conv *models.Conversation, n int) ([]*models.Message, error) {
	members := conv.ParticipantIDs()
	if len(members) == 0 {
		return nil, fmt.Errorf("conversation %d has no participants", conv.ID)
	}

	out := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		in := service.SendMessageInput{
			TenantID:       tenantID,
			ConversationID: conv.ID,
			SenderID:       members[f.faker.Number(0, len(members)-1)],
			Content:        f.faker.Sentence(f.faker.Number(3, 18)),
		}
		if len(out) > 0 && f.faker.Number(1, 5) == 1 {
			parent := out[f.faker.Number(0, len(out)-1)].ID
			in.ReplyToID = &parent
		}
		if f.faker.Number(1, 10) == 1 {
			in.MessageType = models.MessageTypeImage
			in.Attachments = []models.Attachment{{
				URL:      fmt.Sprintf("https://picsum.photos/seed/%s/800/600", f.faker.UUID()),
				Filename: f.faker.Word() + ".jpg",
				Size:     int64(f.faker.Number(20_000, 2_000_000)),
				MimeType: "image/jpeg",
			}}
		}
		msg, err := f.conversations.SendMessage(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
