package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"marketplace/internal/cache"
	"marketplace/internal/featureflags"
	"marketplace/internal/models"
	"marketplace/internal/notifications"
	"marketplace/internal/repository"
	"marketplace/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type publishedEvent struct {
	event      notifications.ConversationEvent
	recipients []uint
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishConversationEvent(_ context.Context, event notifications.ConversationEvent, recipients []uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{event: event, recipients: append([]uint(nil), recipients...)})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc    *ConversationService
	db     *gorm.DB
	mr     *miniredis.Miniredis
	events *recordingPublisher
	tenant *models.Tenant
	users  []*models.User
	tick   int
}

func newFixture(t *testing.T, flags string) *fixture {
	t.Helper()

	db := testutil.NewSQLiteDB(t)
	tenant := testutil.CreateTenant(t, db, "acme")
	users := testutil.CreateUsers(t, db, tenant.ID, 5)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		db:     db,
		mr:     mr,
		events: &recordingPublisher{},
		tenant: tenant,
		users:  users,
	}
	f.svc = NewConversationService(
		repository.NewConversationRepository(db),
		cache.NewRedisStore(rdb),
		f.events,
		featureflags.NewManager(flags),
	)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		f.tick++
		return base.Add(time.Duration(f.tick) * time.Second)
	}
	return f
}

func (f *fixture) uid(i int) uint { return f.users[i].ID }

func (f *fixture) create(t *testing.T, typ models.ConversationType, creator int, others ...int) *models.Conversation {
	t.Helper()
	ids := make([]uint, 0, len(others))
	for _, o := range others {
		ids = append(ids, f.uid(o))
	}
	conv, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(creator),
		ParticipantIDs: ids,
		Subject:        "Order 1001",
		Type:           typ,
	})
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, conv *models.Conversation, sender int, content string) *models.Message {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		SenderID:       f.uid(sender),
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func (f *fixture) participant(t *testing.T, convID, userID uint) models.ConversationParticipant {
	t.Helper()
	var p models.ConversationParticipant
	require.NoError(t, f.db.Where("conversation_id = ? AND user_id = ?", convID, userID).First(&p).Error)
	return p
}

func (f *fixture) reload(t *testing.T, convID uint) models.Conversation {
	t.Helper()
	var conv models.Conversation
	require.NoError(t, f.db.First(&conv, convID).Error)
	return conv
}

func (f *fixture) cacheKeys(prefix string) []string {
	var out []string
	for _, k := range f.mr.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func roles(conv *models.Conversation) map[uint]models.ParticipantRole {
	out := map[uint]models.ParticipantRole{}
	for _, p := range conv.Participants {
		out[p.UserID] = p.Role
	}
	return out
}

func TestCreateConversation_DirectIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	first, err := f.svc.CreateConversation(ctx, CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(0),
		ParticipantIDs: []uint{f.uid(0), f.uid(1)},
		Type:           models.ConversationTypeDirect,
	})
	require.NoError(t, err)
	require.Len(t, first.Participants, 2)
	assert.Equal(t, map[uint]models.ParticipantRole{
		f.uid(0): models.ParticipantRoleOwner,
		f.uid(1): models.ParticipantRoleMember,
	}, roles(first))

	second, err := f.svc.CreateConversation(ctx, CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(1),
		ParticipantIDs: []uint{f.uid(1), f.uid(0)},
		Type:           models.ConversationTypeDirect,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.UUID, second.UUID)
	assert.Len(t, second.Participants, 2)

	var count int64
	require.NoError(t, f.db.Model(&models.Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Len(t, f.events.ofType(notifications.EventConversationCreated), 1)
}

func TestCreateConversation_DirectWithOtherPairCreatesNew(t *testing.T) {
	f := newFixture(t, "")

	a := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	b := f.create(t, models.ConversationTypeDirect, 0, 0, 2)
	assert.NotEqual(t, a.ID, b.ID)

	group := f.create(t, models.ConversationTypeGroup, 0, 0, 1)
	assert.NotEqual(t, a.ID, group.ID, "dedup only applies to direct conversations")
}

func TestCreateConversation_CreatorAppendedAsOwner(t *testing.T) {
	f := newFixture(t, "")

	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)

	require.Len(t, conv.Participants, 3)
	assert.Equal(t, map[uint]models.ParticipantRole{
		f.uid(0): models.ParticipantRoleOwner,
		f.uid(1): models.ParticipantRoleMember,
		f.uid(2): models.ParticipantRoleMember,
	}, roles(conv))
	assert.Equal(t, f.uid(0), conv.CreatedBy)
	assert.Equal(t, models.ConversationStatusActive, conv.Status)
	assert.NotEmpty(t, conv.UUID)
	assert.True(t, conv.Settings.AllowInvites)
	assert.Equal(t, models.PriorityNormal, conv.Settings.Priority)
	for _, p := range conv.Participants {
		require.NotNil(t, p.User)
		assert.NotEmpty(t, p.User.Username)
	}

	created := f.events.ofType(notifications.EventConversationCreated)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []uint{f.uid(1), f.uid(2)}, created[0].recipients)
}

func TestCreateConversation_TenInvitedPlusCreator(t *testing.T) {
	f := newFixture(t, "")
	invited := testutil.CreateUsers(t, f.db, f.tenant.ID, 10)
	ids := make([]uint, 0, len(invited))
	for _, u := range invited {
		ids = append(ids, u.ID)
	}

	conv, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(0),
		ParticipantIDs: ids,
		Type:           models.ConversationTypeGroup,
	})
	require.NoError(t, err)
	assert.Len(t, conv.Participants, 11)
	assert.Equal(t, models.ParticipantRoleOwner, roles(conv)[f.uid(0)])
}

func TestCreateConversation_CustomSettingsAndContext(t *testing.T) {
	f := newFixture(t, "")
	allow := false
	priority := models.PriorityUrgent

	conv, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(0),
		ParticipantIDs: []uint{f.uid(1), f.uid(2)},
		Type:           models.ConversationTypeBusiness,
		Context:        &models.ConversationContext{EntityType: " listing ", EntityID: "L-9"},
		Settings:       &SettingsInput{AllowInvites: &allow, Priority: &priority},
	})
	require.NoError(t, err)

	stored := f.reload(t, conv.ID)
	assert.False(t, stored.Settings.AllowInvites)
	assert.Equal(t, models.PriorityUrgent, stored.Settings.Priority)
	assert.Equal(t, "listing", stored.Context.EntityType)
	assert.Equal(t, "L-9", stored.Context.EntityID)
}

func TestCreateConversation_Validation(t *testing.T) {
	f := newFixture(t, "")
	bad := models.Priority("critical")

	eleven := make([]uint, 11)
	for i := range eleven {
		eleven[i] = uint(i + 1)
	}

	tests := []struct {
		name string
		in   CreateConversationInput
	}{
		{"one participant", CreateConversationInput{ParticipantIDs: []uint{f.uid(1)}, Type: models.ConversationTypeGroup}},
		{"eleven participants", CreateConversationInput{ParticipantIDs: eleven, Type: models.ConversationTypeGroup}},
		{"duplicate ids", CreateConversationInput{ParticipantIDs: []uint{f.uid(1), f.uid(1)}, Type: models.ConversationTypeGroup}},
		{"zero id", CreateConversationInput{ParticipantIDs: []uint{0, f.uid(1)}, Type: models.ConversationTypeGroup}},
		{"unknown type", CreateConversationInput{ParticipantIDs: []uint{f.uid(1), f.uid(2)}, Type: "broadcast"}},
		{"bad priority", CreateConversationInput{
			ParticipantIDs: []uint{f.uid(1), f.uid(2)},
			Type:           models.ConversationTypeGroup,
			Settings:       &SettingsInput{Priority: &bad},
		}},
		{"half a context", CreateConversationInput{
			ParticipantIDs: []uint{f.uid(1), f.uid(2)},
			Type:           models.ConversationTypeGroup,
			Context:        &models.ConversationContext{EntityType: "order"},
		}},
		{"subject too long", CreateConversationInput{
			ParticipantIDs: []uint{f.uid(1), f.uid(2)},
			Type:           models.ConversationTypeGroup,
			Subject:        strings.Repeat("s", maxSubjectLength+1),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.TenantID = f.tenant.ID
			tt.in.CreatedBy = f.uid(0)
			_, err := f.svc.CreateConversation(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, models.IsValidation(err), "got %v", err)
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&models.Conversation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateConversation_TenantMismatch(t *testing.T) {
	f := newFixture(t, "")
	other := testutil.CreateTenant(t, f.db, "globex")
	outsiders := testutil.CreateUsers(t, f.db, other.ID, 1)

	_, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(0),
		ParticipantIDs: []uint{f.uid(1), outsiders[0].ID},
		Type:           models.ConversationTypeGroup,
	})
	require.Error(t, err)
	require.True(t, models.IsValidation(err))

	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr))
	require.Len(t, appErr.Details, 1)
	assert.Contains(t, appErr.Details[0], uintString(outsiders[0].ID))
}

func TestSendMessage_UpdatesCountersAndReadState(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)

	var last *models.Message
	for i := 0; i < 3; i++ {
		last = f.send(t, conv, i%2, "hi")
	}

	stored := f.reload(t, conv.ID)
	assert.Equal(t, int64(3), stored.MessageCount)
	require.NotNil(t, stored.LastMessageID)
	assert.Equal(t, last.ID, *stored.LastMessageID)
	require.NotNil(t, stored.LastMessageAt)
	assert.True(t, stored.LastMessageAt.Equal(last.CreatedAt))

	sender := f.participant(t, conv.ID, f.uid(0))
	require.NotNil(t, sender.LastReadAt)
	assert.True(t, sender.LastReadAt.Equal(last.CreatedAt))

	require.NotNil(t, last.Sender)
	assert.Equal(t, f.uid(0), last.Sender.ID)
	assert.Equal(t, models.MessageTypeText, last.MessageType)

	sent := f.events.ofType(notifications.EventMessageCreated)
	require.Len(t, sent, 3)
	assert.Equal(t, []uint{f.uid(1)}, sent[2].recipients)
	require.NotNil(t, sent[2].event.MessageID)
	assert.Equal(t, last.ID, *sent[2].event.MessageID)
}

func TestSendMessage_Reply(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	parent := f.send(t, conv, 0, "is this still available?")

	reply, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		SenderID:       f.uid(1),
		Content:        "yes",
		ReplyToID:      &parent.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "is this still available?", reply.ReplyTo.Content)
	require.NotNil(t, reply.ReplyTo.Sender)
	assert.Equal(t, f.uid(0), reply.ReplyTo.Sender.ID)
}

func TestSendMessage_InvalidReplyLeavesNoTrace(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	other := f.create(t, models.ConversationTypeDirect, 0, 0, 2)
	foreign := f.send(t, other, 0, "elsewhere")
	f.send(t, conv, 0, "first")

	missing := uint(99999)
	for _, replyTo := range []*uint{&foreign.ID, &missing} {
		_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
			TenantID:       f.tenant.ID,
			ConversationID: conv.ID,
			SenderID:       f.uid(1),
			Content:        "reply",
			ReplyToID:      replyTo,
		})
		require.Error(t, err)
		assert.True(t, models.IsNotFound(err), "got %v", err)
	}

	stored := f.reload(t, conv.ID)
	assert.Equal(t, int64(1), stored.MessageCount)
	var rows int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("conversation_id = ?", conv.ID).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
	assert.Nil(t, f.participant(t, conv.ID, f.uid(1)).LastReadAt)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)

	tooMany := make([]models.Attachment, maxAttachments+1)
	for i := range tooMany {
		tooMany[i] = models.Attachment{URL: "https://cdn.example.com/a", Filename: "a.png"}
	}

	tests := []struct {
		name string
		in   SendMessageInput
	}{
		{"empty content", SendMessageInput{Content: "   "}},
		{"too long", SendMessageInput{Content: strings.Repeat("x", maxContentLength+1)}},
		{"unknown type", SendMessageInput{Content: "hi", MessageType: "video"}},
		{"too many attachments", SendMessageInput{Content: "hi", Attachments: tooMany}},
		{"attachment without url", SendMessageInput{Attachments: []models.Attachment{{Filename: "a.pdf"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.TenantID = f.tenant.ID
			tt.in.ConversationID = conv.ID
			tt.in.SenderID = f.uid(0)
			_, err := f.svc.SendMessage(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, models.IsValidation(err), "got %v", err)
		})
	}

	msg, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		SenderID:       f.uid(0),
		MessageType:    models.MessageTypeFile,
		Attachments:    []models.Attachment{{URL: "https://cdn.example.com/invoice.pdf", Filename: "invoice.pdf", Size: 2048, MimeType: "application/pdf"}},
		Metadata:       map[string]interface{}{"source": "upload"},
	})
	require.NoError(t, err, "attachments make empty content acceptable")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "invoice.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "upload", msg.Metadata["source"])

	exact, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		SenderID:       f.uid(0),
		Content:        strings.Repeat("é", maxContentLength),
	})
	require.NoError(t, err, "the limit counts characters, not bytes")
	assert.NotZero(t, exact.ID)
}

func TestSendMessage_InactiveConversation(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)
	archived := models.ConversationStatusArchived

	_, err := f.svc.UpdateConversation(context.Background(), UpdateConversationInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		UserID:         f.uid(0),
		Status:         &archived,
	})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		SenderID:       f.uid(1),
		Content:        "hello?",
	})
	require.Error(t, err)
	assert.True(t, models.IsForbidden(err))
	assert.Zero(t, f.reload(t, conv.ID).MessageCount)
}

func TestMembershipGate(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	f.send(t, conv, 0, "private")
	outsider := f.uid(4)

	_, err := f.svc.SendMessage(ctx, SendMessageInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, SenderID: outsider, Content: "let me in",
	})
	assert.True(t, models.IsNotFound(err), "send: %v", err)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	_, err = f.svc.GetConversationByUUID(ctx, GetConversationInput{
		TenantID: f.tenant.ID, UUID: conv.UUID, UserID: outsider,
	})
	assert.True(t, models.IsNotFound(err), "get: %v", err)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	_, err = f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, outsider)
	assert.True(t, models.IsNotFound(err), "stats: %v", err)

	_, err = f.svc.SearchMessages(ctx, SearchMessagesInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: outsider,
	})
	assert.True(t, models.IsForbidden(err), "search messages: %v", err)

	// The hidden error renders exactly like a missing conversation.
	_, missingErr := f.svc.GetConversationByUUID(ctx, GetConversationInput{
		TenantID: f.tenant.ID, UUID: "00000000-0000-0000-0000-000000000000", UserID: outsider,
	})
	_, hiddenErr := f.svc.GetConversationByUUID(ctx, GetConversationInput{
		TenantID: f.tenant.ID, UUID: conv.UUID, UserID: outsider,
	})
	var missing, hidden *models.AppError
	require.True(t, errors.As(missingErr, &missing))
	require.True(t, errors.As(hiddenErr, &hidden))
	assert.Equal(t, missing.Code, hidden.Code)
	assert.NotErrorIs(t, missingErr, models.ErrNotParticipant)

	// Other tenants cannot see the conversation even with a member's user id.
	_, err = f.svc.GetConversationByUUID(ctx, GetConversationInput{
		TenantID: f.tenant.ID + 1, UUID: conv.UUID, UserID: f.uid(0),
	})
	assert.True(t, models.IsNotFound(err))

	assert.Equal(t, int64(1), f.reload(t, conv.ID).MessageCount)
}

func TestGetConversationByUUID_PageAndReadReceipt(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	var sent []*models.Message
	for i := 0; i < 5; i++ {
		sent = append(sent, f.send(t, conv, 0, "msg"))
	}

	detail, err := f.svc.GetConversationByUUID(context.Background(), GetConversationInput{
		TenantID: f.tenant.ID, UUID: conv.UUID, UserID: f.uid(1), Limit: 2, Offset: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, conv.ID, detail.Conversation.ID)
	assert.Len(t, detail.Conversation.Participants, 2)
	assert.Equal(t, int64(5), detail.Messages.Total)
	assert.True(t, detail.Messages.HasMore)
	require.Len(t, detail.Messages.Messages, 2)
	assert.Equal(t, sent[2].ID, detail.Messages.Messages[0].ID)
	assert.Equal(t, sent[1].ID, detail.Messages.Messages[1].ID)

	// Read state moves to the time of the read, past every message.
	reader := f.participant(t, conv.ID, f.uid(1))
	require.NotNil(t, reader.LastReadAt)
	assert.True(t, reader.LastReadAt.After(sent[4].CreatedAt))

	p, ok := detail.Conversation.Participant(f.uid(1))
	require.True(t, ok)
	require.NotNil(t, p.LastReadAt)
	assert.True(t, p.LastReadAt.Equal(*reader.LastReadAt))
}

func TestGetConversationByUUID_PageBoundReadState(t *testing.T) {
	f := newFixture(t, featureflags.ReadStatePageBound+"=on")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	var sent []*models.Message
	for i := 0; i < 5; i++ {
		sent = append(sent, f.send(t, conv, 0, "msg"))
	}
	read := func(offset int) *time.Time {
		_, err := f.svc.GetConversationByUUID(context.Background(), GetConversationInput{
			TenantID: f.tenant.ID, UUID: conv.UUID, UserID: f.uid(1), Limit: 2, Offset: offset,
		})
		require.NoError(t, err)
		return f.participant(t, conv.ID, f.uid(1)).LastReadAt
	}

	older := read(3)
	require.NotNil(t, older)
	assert.True(t, older.Equal(sent[1].CreatedAt), "marker is the newest message on the page")

	newest := read(0)
	require.NotNil(t, newest)
	assert.True(t, newest.Equal(sent[4].CreatedAt))

	again := read(3)
	require.NotNil(t, again)
	assert.True(t, again.Equal(sent[4].CreatedAt), "reading an older page never moves the marker back")
}

func TestSearchConversations_NoMatch(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	f.send(t, conv, 0, "is the bike still for sale?")

	page, err := f.svc.SearchConversations(context.Background(), SearchConversationsInput{
		TenantID: f.tenant.ID, UserID: f.uid(0), Search: "alice",
	})
	require.NoError(t, err)
	assert.Empty(t, page.Conversations)
	assert.Zero(t, page.Total)
	assert.False(t, page.HasMore)
}

func TestSearchConversations_PagingAndFilters(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	a := f.create(t, models.ConversationTypeGroup, 0, 1, 2)
	f.create(t, models.ConversationTypeGroup, 0, 1, 3)
	f.create(t, models.ConversationTypeSupport, 0, 2, 3)
	f.send(t, a, 1, "Bike pickup tomorrow")

	page, err := f.svc.SearchConversations(ctx, SearchConversationsInput{
		TenantID: f.tenant.ID, UserID: f.uid(0), Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Conversations, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Limit)

	page, err = f.svc.SearchConversations(ctx, SearchConversationsInput{
		TenantID: f.tenant.ID, UserID: f.uid(0), Type: models.ConversationTypeSupport,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, defaultListLimit, page.Limit)

	page, err = f.svc.SearchConversations(ctx, SearchConversationsInput{
		TenantID: f.tenant.ID, UserID: f.uid(2), Search: "BIKE",
	})
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, a.ID, page.Conversations[0].ID)
	require.NotNil(t, page.Conversations[0].LastMessage)
	assert.Equal(t, int64(1), page.Conversations[0].MessageCount)

	page, err = f.svc.SearchConversations(ctx, SearchConversationsInput{
		TenantID: f.tenant.ID, UserID: f.uid(0), Limit: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, maxPageLimit, page.Limit)
}

func TestSearchConversations_Validation(t *testing.T) {
	f := newFixture(t, "")
	tests := []SearchConversationsInput{
		{SortBy: "subject"},
		{SortOrder: "sideways"},
		{Status: "deleted"},
		{Type: "broadcast"},
		{Limit: -1},
		{Offset: -5},
	}
	for _, in := range tests {
		in.TenantID = f.tenant.ID
		in.UserID = f.uid(0)
		_, err := f.svc.SearchConversations(context.Background(), in)
		assert.True(t, models.IsValidation(err), "%+v: %v", in, err)
	}
}

func TestSearchConversations_CacheInvalidatedOnWrite(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	listScope := cache.ConversationListScope(f.tenant.ID, f.uid(1)) + ":"
	in := SearchConversationsInput{TenantID: f.tenant.ID, UserID: f.uid(1)}

	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	page, err := f.svc.SearchConversations(ctx, in)
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.Len(t, f.cacheKeys(listScope), 1)

	cached, err := f.svc.SearchConversations(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, page.Total, cached.Total)
	assert.Equal(t, conv.UUID, cached.Conversations[0].UUID)

	f.send(t, conv, 0, "new message")
	assert.Empty(t, f.cacheKeys(listScope), "sending drops every participant's listings")

	page, err = f.svc.SearchConversations(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Conversations[0].MessageCount)

	f.create(t, models.ConversationTypeGroup, 2, 1, 3)
	assert.Empty(t, f.cacheKeys(listScope), "creating drops the new participants' listings")
	page, err = f.svc.SearchConversations(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestUpdateConversation(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)
	subject := "  Renamed  "
	high := models.PriorityHigh

	_, err := f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(1), Subject: &subject,
	})
	assert.True(t, models.IsForbidden(err), "plain members cannot update: %v", err)

	_, err = f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(4), Subject: &subject,
	})
	assert.True(t, models.IsNotFound(err), "non-participants see nothing: %v", err)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	_, err = f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(0),
	})
	assert.True(t, models.IsValidation(err))

	_, err = f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID: f.tenant.ID, ConversationID: 424242, UserID: f.uid(0), Subject: &subject,
	})
	assert.True(t, models.IsNotFound(err))

	_, err = f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, f.uid(0))
	require.NoError(t, err)
	require.NotEmpty(t, f.cacheKeys(cache.ConversationStatsKey(conv.ID)))

	require.NoError(t, f.db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conv.ID, f.uid(2)).
		Update("role", models.ParticipantRoleAdmin).Error)

	updated, err := f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID:       f.tenant.ID,
		ConversationID: conv.ID,
		UserID:         f.uid(2),
		Subject:        &subject,
		Settings:       &SettingsInput{Priority: &high},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Subject)
	assert.Equal(t, models.PriorityHigh, updated.Settings.Priority)
	assert.True(t, updated.Settings.AllowInvites, "unspecified settings are kept")
	assert.Equal(t, models.ConversationStatusActive, updated.Status)
	assert.Empty(t, f.cacheKeys(cache.ConversationStatsKey(conv.ID)))
	assert.Len(t, f.events.ofType(notifications.EventConversationUpdated), 1)
}

func TestAddParticipant(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)

	p, err := f.svc.AddParticipant(ctx, AddParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(3), InvitedBy: f.uid(1),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantRoleMember, p.Role)
	require.NotNil(t, p.InvitedBy)
	assert.Equal(t, f.uid(1), *p.InvitedBy)
	require.NotNil(t, p.User)
	assert.Equal(t, f.uid(3), p.User.ID)

	added := f.events.ofType(notifications.EventParticipantAdded)
	require.Len(t, added, 1)
	require.NotNil(t, added[0].event.UserID)
	assert.Equal(t, f.uid(3), *added[0].event.UserID)
	assert.Contains(t, added[0].recipients, f.uid(3))

	_, err = f.svc.AddParticipant(ctx, AddParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(3), InvitedBy: f.uid(0),
	})
	assert.True(t, models.IsConflict(err), "duplicate: %v", err)

	_, err = f.svc.AddParticipant(ctx, AddParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(4), InvitedBy: 777,
	})
	assert.True(t, models.IsNotFound(err), "outsider inviter: %v", err)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	other := testutil.CreateTenant(t, f.db, "globex")
	stranger := testutil.CreateUsers(t, f.db, other.ID, 1)[0]
	_, err = f.svc.AddParticipant(ctx, AddParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: stranger.ID, InvitedBy: f.uid(0),
	})
	assert.True(t, models.IsValidation(err), "cross-tenant user: %v", err)

	var count int64
	require.NoError(t, f.db.Model(&models.ConversationParticipant{}).Where("conversation_id = ?", conv.ID).Count(&count).Error)
	assert.Equal(t, int64(4), count)
}

func TestAddParticipant_InvitesDisabled(t *testing.T) {
	f := newFixture(t, "")
	allow := false
	conv, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		TenantID:       f.tenant.ID,
		CreatedBy:      f.uid(0),
		ParticipantIDs: []uint{f.uid(1), f.uid(2)},
		Type:           models.ConversationTypeGroup,
		Settings:       &SettingsInput{AllowInvites: &allow},
	})
	require.NoError(t, err)

	_, err = f.svc.AddParticipant(context.Background(), AddParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(3), InvitedBy: f.uid(0),
	})
	require.Error(t, err)
	assert.True(t, models.IsForbidden(err))

	var count int64
	require.NoError(t, f.db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conv.ID, f.uid(3)).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRemoveParticipant(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2, 3)
	remove := func(target, by uint) error {
		return f.svc.RemoveParticipant(ctx, RemoveParticipantInput{
			TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: target, RemovedBy: by,
		})
	}

	assert.True(t, models.IsForbidden(remove(f.uid(2), f.uid(1))), "members cannot remove others")
	assert.NoError(t, remove(f.uid(1), f.uid(1)), "self-removal is always allowed")
	assert.True(t, models.IsNotFound(remove(f.uid(1), f.uid(0))), "already gone")

	require.NoError(t, f.db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conv.ID, f.uid(2)).
		Update("role", models.ParticipantRoleAdmin).Error)
	assert.True(t, models.IsForbidden(remove(f.uid(0), f.uid(2))), "the creator cannot be removed by others")
	assert.NoError(t, remove(f.uid(3), f.uid(2)), "admins remove members")
	assert.NoError(t, remove(f.uid(2), f.uid(0)), "the creator removes admins")

	stored, err := f.svc.GetConversationByUUID(ctx, GetConversationInput{
		TenantID: f.tenant.ID, UUID: conv.UUID, UserID: f.uid(0),
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{f.uid(0)}, stored.Conversation.ParticipantIDs())

	assert.NoError(t, remove(f.uid(0), f.uid(0)), "even the owner may leave")
	assert.Len(t, f.events.ofType(notifications.EventParticipantRemoved), 4)
}

func TestRemoveParticipant_HiddenFromNonParticipants(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)

	err := f.svc.RemoveParticipant(ctx, RemoveParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(1), RemovedBy: f.uid(4),
	})
	assert.True(t, models.IsNotFound(err), "remove: %v", err)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	err = f.svc.RemoveParticipant(ctx, RemoveParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(4), RemovedBy: f.uid(4),
	})
	assert.True(t, models.IsNotFound(err), "leave: %v", err)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	assert.Equal(t, models.ParticipantRoleMember, f.participant(t, conv.ID, f.uid(1)).Role)
}

func TestCreatorRightsEndOnLeaving(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2, 3)
	subject := "Reclaimed"

	require.NoError(t, f.svc.RemoveParticipant(ctx, RemoveParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(0), RemovedBy: f.uid(0),
	}))

	err := f.svc.RemoveParticipant(ctx, RemoveParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(1), RemovedBy: f.uid(0),
	})
	assert.True(t, models.IsNotFound(err), "former creator removing a member: %v", err)
	f.participant(t, conv.ID, f.uid(1))

	_, err = f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(0), Subject: &subject,
	})
	assert.True(t, models.IsNotFound(err), "former creator updating: %v", err)

	// Rejoining as a plain member restores the creator's rights.
	_, err = f.svc.AddParticipant(ctx, AddParticipantInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(0), InvitedBy: f.uid(1),
	})
	require.NoError(t, err)
	updated, err := f.svc.UpdateConversation(ctx, UpdateConversationInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, UserID: f.uid(0), Subject: &subject,
	})
	require.NoError(t, err)
	assert.Equal(t, "Reclaimed", updated.Subject)
}

func TestGetConversationStats(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)
	f.send(t, conv, 0, "one")
	f.send(t, conv, 1, "two")
	_, err := f.svc.SendMessage(ctx, SendMessageInput{
		TenantID: f.tenant.ID, ConversationID: conv.ID, SenderID: f.uid(2), MessageType: models.MessageTypeImage,
		Attachments: []models.Attachment{{URL: "https://cdn.example.com/p.jpg", Filename: "p.jpg"}},
	})
	require.NoError(t, err)

	stats, err := f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, f.uid(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.MessagesByType[models.MessageTypeText])
	assert.Equal(t, int64(1), stats.MessagesByType[models.MessageTypeImage])
	assert.Equal(t, int64(3), stats.ParticipantCount)
	require.NotNil(t, stats.LastMessageAt)
	assert.Len(t, f.cacheKeys(cache.ConversationStatsKey(conv.ID)), 1)

	cached, err := f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, f.uid(2))
	require.NoError(t, err)
	assert.Equal(t, stats.MessagesByType, cached.MessagesByType)

	f.send(t, conv, 0, "three")
	stats, err = f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, f.uid(1))
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalMessages)
}

// interleavingStore runs a write just before the first fill of one key lands.
type interleavingStore struct {
	cache.Store
	key   string
	write func()
}

func (s *interleavingStore) SetWithTTL(ctx context.Context, key string, v interface{}, ttl time.Duration, gen int64) (bool, error) {
	if key == s.key && s.write != nil {
		write := s.write
		s.write = nil
		write()
	}
	return s.Store.SetWithTTL(ctx, key, v, ttl, gen)
}

func TestGetConversationStats_WriteDuringFillIsNotCached(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	conv := f.create(t, models.ConversationTypeGroup, 0, 1, 2)
	f.send(t, conv, 0, "one")

	store := &interleavingStore{Store: f.svc.cache, key: cache.ConversationStatsKey(conv.ID)}
	f.svc.cache = store
	store.write = func() { f.send(t, conv, 1, "two") }

	stats, err := f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, f.uid(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages, "the first read saw the database before the send")
	assert.Empty(t, f.cacheKeys(cache.ConversationStatsKey(conv.ID)))

	stats, err = f.svc.GetConversationStats(ctx, f.tenant.ID, conv.ID, f.uid(0))
	require.NoError(t, err)
	assert.Equal(t, f.reload(t, conv.ID).MessageCount, stats.TotalMessages)
	assert.Equal(t, int64(2), stats.TotalMessages)
}

func TestWritesSurviveCacheOutage(t *testing.T) {
	f := newFixture(t, "")
	conv := f.create(t, models.ConversationTypeDirect, 0, 0, 1)
	f.mr.Close()

	msg := f.send(t, conv, 0, "still delivered")
	assert.NotZero(t, msg.ID)

	page, err := f.svc.SearchConversations(context.Background(), SearchConversationsInput{
		TenantID: f.tenant.ID, UserID: f.uid(0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}
