// Package repository provides GORM-backed data access for conversations.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"marketplace/internal/models"
	"marketplace/internal/observability"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationSort is a sort key accepted by SearchConversations.
type ConversationSort string

const (
	SortByLastMessageAt ConversationSort = "last_message_at"
	SortByCreatedAt     ConversationSort = "created_at"
	SortByPriority      ConversationSort = "priority"
)

// Valid reports whether s is a known sort key.
func (s ConversationSort) Valid() bool {
	return s == SortByLastMessageAt || s == SortByCreatedAt || s == SortByPriority
}

// ConversationQuery filters the conversations a user participates in.
type ConversationQuery struct {
	TenantID   uint
	UserID     uint
	Status     models.ConversationStatus
	Type       models.ConversationType
	Search     string
	EntityType string
	EntityID   string
	SortBy     ConversationSort
	Descending bool
	Limit      int
	Offset     int
}

// MessageQuery filters the messages of one conversation.
type MessageQuery struct {
	ConversationID uint
	Search         string
	MessageType    models.MessageType
	SenderID       uint
	BeforeID       uint
	AfterID        uint
	Limit          int
	Offset         int
}

// ConversationRepository defines the data operations behind the conversation service.
// Lookups return gorm.ErrRecordNotFound for missing rows.
type ConversationRepository interface {
	// Transaction runs fn with a repository bound to a single database transaction.
	Transaction(ctx context.Context, fn func(repo ConversationRepository) error) error

	TenantUserIDs(ctx context.Context, tenantID uint, ids []uint) ([]uint, error)
	FindDirectConversation(ctx context.Context, tenantID, userA, userB uint) (*models.Conversation, error)

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, tenantID, id uint) (*models.Conversation, error)
	GetConversationByUUID(ctx context.Context, tenantID uint, uuid string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id uint, updates map[string]interface{}) error
	SearchConversations(ctx context.Context, q ConversationQuery) ([]models.Conversation, int64, error)

	AddParticipants(ctx context.Context, participants []models.ConversationParticipant) error
	GetParticipant(ctx context.Context, conversationID, userID uint) (*models.ConversationParticipant, error)
	RemoveParticipant(ctx context.Context, conversationID, userID uint) (bool, error)
	CountParticipants(ctx context.Context, conversationID uint) (int64, error)
	UpdateLastRead(ctx context.Context, conversationID, userID uint, at time.Time) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	RecordMessage(ctx context.Context, conversationID, messageID uint, at time.Time) error
	ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, int64, error)
	MessageTypeCounts(ctx context.Context, conversationID uint) (map[models.MessageType]int64, error)
}

type conversationRepository struct {
	db     *gorm.DB
	logger *observability.RepoLogger
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{
		db:     db,
		logger: observability.NewRepoLogger("conversations"),
	}
}

// IsUniqueViolation reports whether err is a duplicate key error from either the
// translated GORM error or a raw PostgreSQL 23505.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a case-insensitive LIKE pattern matching term anywhere.
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
}

func (r *conversationRepository) Transaction(ctx context.Context, fn func(repo ConversationRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&conversationRepository{db: tx, logger: r.logger})
	})
}

func (r *conversationRepository) TenantUserIDs(ctx context.Context, tenantID uint, ids []uint) ([]uint, error) {
	found := []uint{}
	if len(ids) == 0 {
		return found, nil
	}
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Pluck("id", &found).Error
	if err != nil {
		r.logger.LogError(ctx, err, "tenant_user_ids")
		return nil, err
	}
	return found, nil
}

func (r *conversationRepository) FindDirectConversation(ctx context.Context, tenantID, userA, userB uint) (*models.Conversation, error) {
	var existing models.Conversation
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Joins(
			"JOIN conversation_participants cp_self ON cp_self.conversation_id = conversations.id AND cp_self.user_id = ?",
			userA,
		).
		Joins(
			"JOIN conversation_participants cp_other ON cp_other.conversation_id = conversations.id AND cp_other.user_id = ?",
			userB,
		).
		Where("conversations.tenant_id = ? AND conversations.type = ?", tenantID, models.ConversationTypeDirect).
		Where(
			"NOT EXISTS (SELECT 1 FROM conversation_participants cp_extra WHERE cp_extra.conversation_id = conversations.id AND cp_extra.user_id NOT IN (?, ?))",
			userA,
			userB,
		).
		Order("conversations.id ASC").
		First(&existing).Error
	switch {
	case err == nil:
		return r.GetConversation(ctx, tenantID, existing.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		r.logger.LogError(ctx, err, "find_direct")
		return nil, err
	}
}

func (r *conversationRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	defer observability.TrackQuery("create", "conversations")()
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(conv).Error; err != nil {
		r.logger.LogError(ctx, err, "create")
		return err
	}
	r.logger.LogCreate(ctx, map[string]interface{}{"conversation_id": conv.ID, "type": conv.Type})
	return nil
}

// withDetails preloads what every conversation response renders.
func withDetails(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Preload("Participants.User").
		Preload("LastMessage").
		Preload("LastMessage.Sender")
}

func (r *conversationRepository) GetConversation(ctx context.Context, tenantID, id uint) (*models.Conversation, error) {
	defer observability.TrackQuery("read", "conversations")()
	var conv models.Conversation
	err := withDetails(r.db.WithContext(ctx)).
		Where("tenant_id = ?", tenantID).
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) GetConversationByUUID(ctx context.Context, tenantID uint, uuid string) (*models.Conversation, error) {
	defer observability.TrackQuery("read", "conversations")()
	var conv models.Conversation
	err := withDetails(r.db.WithContext(ctx)).
		Where("tenant_id = ? AND uuid = ?", tenantID, uuid).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) UpdateConversation(ctx context.Context, id uint, updates map[string]interface{}) error {
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		r.logger.LogError(ctx, err, "update")
		return err
	}
	r.logger.LogUpdate(ctx, map[string]interface{}{"conversation_id": id, "fields": len(updates)})
	return nil
}

func (r *conversationRepository) SearchConversations(ctx context.Context, q ConversationQuery) ([]models.Conversation, int64, error) {
	ctx, span := observability.TraceRepositoryMethod(ctx, "SearchConversations", "conversations")
	defer span.End()
	defer observability.TrackQuery("search", "conversations")()

	base := func() *gorm.DB {
		db := r.db.WithContext(ctx).
			Model(&models.Conversation{}).
			Joins(
				"JOIN conversation_participants cp_self ON cp_self.conversation_id = conversations.id AND cp_self.user_id = ?",
				q.UserID,
			).
			Where("conversations.tenant_id = ?", q.TenantID)
		if q.Status != "" {
			db = db.Where("conversations.status = ?", q.Status)
		}
		if q.Type != "" {
			db = db.Where("conversations.type = ?", q.Type)
		}
		if q.EntityType != "" {
			db = db.Where("conversations.context_entity_type = ?", q.EntityType)
		}
		if q.EntityID != "" {
			db = db.Where("conversations.context_entity_id = ?", q.EntityID)
		}
		if q.Search != "" {
			pattern := containsPattern(q.Search)
			db = db.Where(
				`(LOWER(conversations.subject) LIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.id AND LOWER(m.content) LIKE ? ESCAPE '\'))`,
				pattern, pattern,
			)
		}
		return db
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		r.logger.LogError(ctx, err, "search_count")
		return nil, 0, err
	}

	conversations := []models.Conversation{}
	if total == 0 {
		return conversations, 0, nil
	}

	err := withDetails(base()).
		Select("conversations.*").
		Order(conversationOrder(q.SortBy, q.Descending)).
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&conversations).Error
	if err != nil {
		r.logger.LogError(ctx, err, "search")
		return nil, 0, err
	}
	r.logger.LogRead(ctx, map[string]interface{}{"user_id": q.UserID, "total": total})
	return conversations, total, nil
}

// conversationOrder returns the ORDER BY expression for a sort key. Conversations
// without messages sort by creation time so NULL placement does not depend on the dialect.
func conversationOrder(sortBy ConversationSort, desc bool) string {
	var expr string
	switch sortBy {
	case SortByCreatedAt:
		expr = "conversations.created_at"
	case SortByPriority:
		expr = "CASE conversations.settings_priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END"
	default:
		expr = "COALESCE(conversations.last_message_at, conversations.created_at)"
	}
	dir := " ASC"
	if desc {
		dir = " DESC"
	}
	return expr + dir + ", conversations.id" + dir
}

func (r *conversationRepository) AddParticipants(ctx context.Context, participants []models.ConversationParticipant) error {
	if len(participants) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(&participants).Error; err != nil {
		r.logger.LogError(ctx, err, "add_participants")
		return err
	}
	r.logger.LogCreate(ctx, map[string]interface{}{
		"conversation_id": participants[0].ConversationID,
		"participants":    len(participants),
	})
	return nil
}

func (r *conversationRepository) GetParticipant(ctx context.Context, conversationID, userID uint) (*models.ConversationParticipant, error) {
	var p models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *conversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&models.ConversationParticipant{})
	if res.Error != nil {
		r.logger.LogError(ctx, res.Error, "remove_participant")
		return false, res.Error
	}
	r.logger.LogDelete(ctx, map[string]interface{}{"conversation_id": conversationID, "user_id": userID})
	return res.RowsAffected > 0, nil
}

func (r *conversationRepository) CountParticipants(ctx context.Context, conversationID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, err
}

// UpdateLastRead moves a participant's read marker forward to at. It never moves it back.
func (r *conversationRepository) UpdateLastRead(ctx context.Context, conversationID, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Where("last_read_at IS NULL OR last_read_at < ?", at).
		Update("last_read_at", at).Error
}

func (r *conversationRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer observability.TrackQuery("create", "messages")()
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(msg).Error; err != nil {
		r.logger.LogError(ctx, err, "create_message")
		return err
	}
	r.logger.LogCreate(ctx, map[string]interface{}{"message_id": msg.ID, "conversation_id": msg.ConversationID})
	return nil
}

func (r *conversationRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("ReplyTo").
		Preload("ReplyTo.Sender").
		First(&msg, id).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecordMessage applies a new message to the conversation's denormalized counters in one statement.
func (r *conversationRepository) RecordMessage(ctx context.Context, conversationID, messageID uint, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"message_count":   gorm.Expr("message_count + ?", 1),
			"last_message_at": at,
			"last_message_id": messageID,
		})
	if res.Error != nil {
		r.logger.LogError(ctx, res.Error, "record_message")
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *conversationRepository) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, int64, error) {
	ctx, span := observability.TraceRepositoryMethod(ctx, "ListMessages", "messages")
	defer span.End()
	defer observability.TrackQuery("search", "messages")()

	base := func() *gorm.DB {
		db := r.db.WithContext(ctx).
			Model(&models.Message{}).
			Where("messages.conversation_id = ?", q.ConversationID)
		if q.Search != "" {
			db = db.Where(`LOWER(messages.content) LIKE ? ESCAPE '\'`, containsPattern(q.Search))
		}
		if q.MessageType != "" {
			db = db.Where("messages.message_type = ?", q.MessageType)
		}
		if q.SenderID != 0 {
			db = db.Where("messages.sender_id = ?", q.SenderID)
		}
		if q.BeforeID != 0 {
			db = db.Where("messages.id < ?", q.BeforeID)
		}
		if q.AfterID != 0 {
			db = db.Where("messages.id > ?", q.AfterID)
		}
		return db
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		r.logger.LogError(ctx, err, "list_messages_count")
		return nil, 0, err
	}

	messages := []models.Message{}
	if total == 0 {
		return messages, 0, nil
	}

	err := base().
		Preload("Sender").
		Preload("ReplyTo").
		Preload("ReplyTo.Sender").
		Order("messages.created_at DESC, messages.id DESC").
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&messages).Error
	if err != nil {
		r.logger.LogError(ctx, err, "list_messages")
		return nil, 0, err
	}
	return messages, total, nil
}

func (r *conversationRepository) MessageTypeCounts(ctx context.Context, conversationID uint) (map[models.MessageType]int64, error) {
	var rows []struct {
		MessageType models.MessageType
		Count       int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Select("message_type, COUNT(*) AS count").
		Where("conversation_id = ?", conversationID).
		Group("message_type").
		Scan(&rows).Error
	if err != nil {
		r.logger.LogError(ctx, err, "message_type_counts")
		return nil, err
	}

	counts := make(map[models.MessageType]int64, len(rows))
	for _, row := range rows {
		counts[row.MessageType] = row.Count
	}
	return counts, nil
}
