// Package service provides the conversation business logic.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"marketplace/internal/cache"
	"marketplace/internal/featureflags"
	"marketplace/internal/models"
	"marketplace/internal/notifications"
	"marketplace/internal/observability"
	"marketplace/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// EventPublisher delivers conversation events after a write has committed.
type EventPublisher interface {
	PublishConversationEvent(ctx context.Context, event notifications.ConversationEvent, recipients []uint) error
}

// FlagEvaluator reports whether a feature flag is on for a tenant.
type FlagEvaluator interface {
	Enabled(name string, tenantID uint) bool
}

// ConversationService owns conversation lifecycle, membership, messaging and search.
type ConversationService struct {
	repo    repository.ConversationRepository
	cache   cache.Store
	events  EventPublisher
	flags   FlagEvaluator
	listTTL time.Duration
	now     func() time.Time
	logger  *observability.ServiceLogger
}

// NewConversationService returns a new ConversationService. store, events and flags may be nil.
func NewConversationService(
	repo repository.ConversationRepository,
	store cache.Store,
	events EventPublisher,
	flags FlagEvaluator,
) *ConversationService {
	if store == nil {
		store = cache.NopStore{}
	}
	return &ConversationService{
		repo:    repo,
		cache:   store,
		events:  events,
		flags:   flags,
		listTTL: cache.ConversationListTTL,
		now:     time.Now,
		logger:  observability.NewServiceLogger("conversations"),
	}
}

// WithListTTL overrides how long conversation listings stay cached.
func (s *ConversationService) WithListTTL(ttl time.Duration) *ConversationService {
	if ttl > 0 {
		s.listTTL = ttl
	}
	return s
}

// CreateConversationInput is the input for creating a conversation.
type CreateConversationInput struct {
	TenantID       uint
	CreatedBy      uint
	ParticipantIDs []uint
	Subject        string
	Type           models.ConversationType
	Context        *models.ConversationContext
	Settings       *SettingsInput
}

// GetConversationInput is the input for reading one conversation with a page of messages.
type GetConversationInput struct {
	TenantID uint
	UUID     string
	UserID   uint
	Limit    int
	Offset   int
}

// SearchConversationsInput is the input for listing a user's conversations.
type SearchConversationsInput struct {
	TenantID   uint
	UserID     uint
	Status     models.ConversationStatus
	Type       models.ConversationType
	Search     string
	EntityType string
	EntityID   string
	SortBy     string
	SortOrder  string
	Limit      int
	Offset     int
}

// UpdateConversationInput is a partial update; nil fields are left unchanged.
type UpdateConversationInput struct {
	TenantID       uint
	ConversationID uint
	UserID         uint
	Subject        *string
	Status         *models.ConversationStatus
	Settings       *SettingsInput
}

// ConversationPage is one page of a conversation listing.
type ConversationPage struct {
	Conversations []models.Conversation `json:"conversations"`
	Total         int64                 `json:"total"`
	Limit         int                   `json:"limit"`
	Offset        int                   `json:"offset"`
	HasMore       bool                  `json:"has_more"`
}

// ConversationDetail is a conversation together with a newest-first page of its messages.
type ConversationDetail struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     MessagePage          `json:"messages"`
}

// ConversationStats summarizes activity in one conversation.
type ConversationStats struct {
	TotalMessages    int64                        `json:"total_messages"`
	MessagesByType   map[models.MessageType]int64 `json:"messages_by_type"`
	ParticipantCount int64                        `json:"participant_count"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
	LastMessageAt    *time.Time                   `json:"last_message_at,omitempty"`
}

// CreateConversation creates a conversation, or returns the existing direct conversation
// between the same two users.
func (s *ConversationService) CreateConversation(ctx context.Context, in CreateConversationInput) (conv *models.Conversation, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.CreateConversation",
		attribute.Int64("tenant.id", int64(in.TenantID)),
		attribute.String("conversation.type", string(in.Type)),
	)
	defer func() {
		if conv != nil {
			span.AddAttributes(attribute.Int64("conversation.id", int64(conv.ID)))
		}
		span.SetError(err)
		span.End()
	}()

	if in.TenantID == 0 || in.CreatedBy == 0 {
		return nil, models.NewValidationError("Tenant and creator are required")
	}
	if !in.Type.Valid() {
		return nil, models.NewValidationError("Invalid conversation type", "type must be one of direct, group, support, business")
	}
	if err := validateParticipantIDs(in.ParticipantIDs); err != nil {
		return nil, err
	}
	if err := validateSubject(in.Subject); err != nil {
		return nil, err
	}
	ctxData, err := validateContext(in.Context)
	if err != nil {
		return nil, err
	}
	settings := models.DefaultConversationSettings()
	if err := in.Settings.applyTo(&settings); err != nil {
		return nil, err
	}

	ids := withCreator(in.ParticipantIDs, in.CreatedBy)
	if err := s.requireTenantUsers(ctx, in.TenantID, ids); err != nil {
		return nil, err
	}

	if in.Type == models.ConversationTypeDirect && len(ids) == 2 {
		existing, err := s.repo.FindDirectConversation(ctx, in.TenantID, ids[0], ids[1])
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		if existing != nil {
			s.logger.LogCall(ctx, "CreateConversation", map[string]interface{}{
				"conversation_id": existing.ID,
				"deduplicated":    true,
			})
			return existing, nil
		}
	}

	now := s.now().UTC()
	created := &models.Conversation{
		TenantID:  in.TenantID,
		Subject:   strings.TrimSpace(in.Subject),
		Type:      in.Type,
		Status:    models.ConversationStatusActive,
		Context:   ctxData,
		Settings:  settings,
		CreatedBy: in.CreatedBy,
	}
	err = s.repo.Transaction(ctx, func(tx repository.ConversationRepository) error {
		if err := tx.CreateConversation(ctx, created); err != nil {
			return err
		}
		participants := make([]models.ConversationParticipant, 0, len(ids))
		for _, id := range ids {
			role := models.ParticipantRoleMember
			if id == in.CreatedBy {
				role = models.ParticipantRoleOwner
			}
			participants = append(participants, models.ConversationParticipant{
				ConversationID: created.ID,
				UserID:         id,
				Role:           role,
				JoinedAt:       now,
			})
		}
		return tx.AddParticipants(ctx, participants)
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	conv, err = s.repo.GetConversation(ctx, in.TenantID, created.ID)
	if err != nil {
		return nil, s.lookupError(err, "Conversation", created.ID)
	}

	s.invalidate(ctx, "CreateConversation", in.TenantID, 0, ids)
	s.publish(ctx, "CreateConversation", notifications.ConversationEvent{
		Type:             notifications.EventConversationCreated,
		ConversationUUID: conv.UUID,
		ConversationID:   conv.ID,
		ActorID:          in.CreatedBy,
		At:               now,
	}, without(ids, in.CreatedBy))
	observability.ConversationsCreated.WithLabelValues(string(conv.Type)).Inc()
	s.logger.LogCall(ctx, "CreateConversation", map[string]interface{}{
		"conversation_id": conv.ID,
		"participants":    len(ids),
	})
	return conv, nil
}

// GetConversationByUUID returns the conversation with its participants and a newest-first
// page of messages, and moves the caller's read marker forward.
func (s *ConversationService) GetConversationByUUID(ctx context.Context, in GetConversationInput) (detail *ConversationDetail, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.GetConversationByUUID",
		attribute.String("conversation.uuid", in.UUID),
	)
	defer func() { span.SetError(err); span.End() }()

	limit, offset, err := pageBounds(in.Limit, in.Offset, defaultMessageLimit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.UUID) == "" {
		return nil, models.NewValidationError("Conversation id is required")
	}

	conv, err := s.repo.GetConversationByUUID(ctx, in.TenantID, in.UUID)
	if err != nil {
		return nil, s.lookupError(err, "Conversation", in.UUID)
	}
	span.AddAttributes(attribute.Int64("conversation.id", int64(conv.ID)))
	participant, ok := conv.Participant(in.UserID)
	if !ok {
		return nil, models.NewHiddenNotFoundError("Conversation", in.UUID, models.ErrNotParticipant)
	}

	messages, total, err := s.repo.ListMessages(ctx, repository.MessageQuery{
		ConversationID: conv.ID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	readAt := s.now().UTC()
	if s.flags != nil && s.flags.Enabled(featureflags.ReadStatePageBound, in.TenantID) {
		if len(messages) == 0 {
			readAt = time.Time{}
		} else {
			readAt = messages[0].CreatedAt
		}
	}
	if !readAt.IsZero() {
		if err := s.repo.UpdateLastRead(ctx, conv.ID, in.UserID, readAt); err != nil {
			return nil, models.NewInternalError(err)
		}
		if participant.LastReadAt == nil || participant.LastReadAt.Before(readAt) {
			participant.LastReadAt = &readAt
		}
		s.invalidateScope(ctx, "GetConversationByUUID", cache.ConversationListScope(in.TenantID, in.UserID))
	}

	return &ConversationDetail{
		Conversation: conv,
		Messages:     newMessagePage(messages, total, limit, offset),
	}, nil
}

// SearchConversations lists the conversations the caller participates in.
func (s *ConversationService) SearchConversations(ctx context.Context, in SearchConversationsInput) (page *ConversationPage, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.SearchConversations",
		attribute.Int64("user.id", int64(in.UserID)),
	)
	defer func() { span.SetError(err); span.End() }()

	q, err := buildConversationQuery(in)
	if err != nil {
		return nil, err
	}

	key := cache.ConversationListKey(in.TenantID, in.UserID, queryHash(q))
	var result ConversationPage
	err = cache.Aside(ctx, s.cache, key, &result, s.listTTL, func() error {
		conversations, total, err := s.repo.SearchConversations(ctx, q)
		if err != nil {
			return err
		}
		result = ConversationPage{
			Conversations: conversations,
			Total:         total,
			Limit:         q.Limit,
			Offset:        q.Offset,
			HasMore:       int64(q.Offset+q.Limit) < total,
		}
		return nil
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &result, nil
}

func buildConversationQuery(in SearchConversationsInput) (repository.ConversationQuery, error) {
	limit, offset, err := pageBounds(in.Limit, in.Offset, defaultListLimit)
	if err != nil {
		return repository.ConversationQuery{}, err
	}
	if in.Status != "" && !in.Status.Valid() {
		return repository.ConversationQuery{}, models.NewValidationError("Invalid status filter")
	}
	if in.Type != "" && !in.Type.Valid() {
		return repository.ConversationQuery{}, models.NewValidationError("Invalid type filter")
	}
	search := strings.TrimSpace(in.Search)
	if len(search) > maxSearchLength {
		return repository.ConversationQuery{}, models.NewValidationError("Search term too long")
	}

	sortBy := repository.SortByLastMessageAt
	if in.SortBy != "" {
		sortBy = repository.ConversationSort(in.SortBy)
		if !sortBy.Valid() {
			return repository.ConversationQuery{}, models.NewValidationError("Invalid sort_by", "sort_by must be one of last_message_at, created_at, priority")
		}
	}
	desc, err := parseSortOrder(in.SortOrder)
	if err != nil {
		return repository.ConversationQuery{}, err
	}

	return repository.ConversationQuery{
		TenantID:   in.TenantID,
		UserID:     in.UserID,
		Status:     in.Status,
		Type:       in.Type,
		Search:     search,
		EntityType: strings.TrimSpace(in.EntityType),
		EntityID:   strings.TrimSpace(in.EntityID),
		SortBy:     sortBy,
		Descending: desc,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

func parseSortOrder(order string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "desc":
		return true, nil
	case "asc":
		return false, nil
	}
	return false, models.NewValidationError("Invalid sort_order", "sort_order must be asc or desc")
}

// queryHash identifies a listing query within the caller's cache scope.
func queryHash(q repository.ConversationQuery) string {
	raw, _ := json.Marshal(q)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:12])
}

// UpdateConversation applies a partial update. Only the creator or an owner/admin may update.
func (s *ConversationService) UpdateConversation(ctx context.Context, in UpdateConversationInput) (conv *models.Conversation, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.UpdateConversation",
		attribute.Int64("conversation.id", int64(in.ConversationID)),
	)
	defer func() { span.SetError(err); span.End() }()

	if in.Subject == nil && in.Status == nil && in.Settings.empty() {
		return nil, models.NewValidationError("No fields to update")
	}
	if in.Subject != nil {
		if err := validateSubject(*in.Subject); err != nil {
			return nil, err
		}
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, models.NewValidationError("Invalid status", "status must be one of active, archived, closed, blocked")
	}

	current, err := s.memberConversation(ctx, in.TenantID, in.ConversationID, in.UserID)
	if err != nil {
		return nil, err
	}
	if !canManage(current, in.UserID) {
		return nil, models.NewForbiddenError("Only the creator or a conversation admin can update this conversation")
	}

	settings := current.Settings
	if err := in.Settings.applyTo(&settings); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Subject != nil {
		updates["subject"] = strings.TrimSpace(*in.Subject)
	}
	if in.Status != nil {
		updates["status"] = *in.Status
	}
	if !in.Settings.empty() {
		updates["settings_allow_invites"] = settings.AllowInvites
		updates["settings_auto_archive_after_seconds"] = settings.AutoArchiveAfterSeconds
		updates["settings_priority"] = settings.Priority
	}
	if err := s.repo.UpdateConversation(ctx, current.ID, updates); err != nil {
		return nil, models.NewInternalError(err)
	}

	conv, err = s.repo.GetConversation(ctx, in.TenantID, current.ID)
	if err != nil {
		return nil, s.lookupError(err, "Conversation", current.ID)
	}

	members := conv.ParticipantIDs()
	s.invalidate(ctx, "UpdateConversation", in.TenantID, conv.ID, members)
	s.publish(ctx, "UpdateConversation", notifications.ConversationEvent{
		Type:             notifications.EventConversationUpdated,
		ConversationUUID: conv.UUID,
		ConversationID:   conv.ID,
		ActorID:          in.UserID,
		At:               s.now().UTC(),
	}, without(members, in.UserID))
	s.logger.LogCall(ctx, "UpdateConversation", map[string]interface{}{
		"conversation_id": conv.ID,
		"fields":          len(updates),
	})
	return conv, nil
}

// GetConversationStats returns message and membership counts for a conversation the caller belongs to.
func (s *ConversationService) GetConversationStats(ctx context.Context, tenantID, conversationID, userID uint) (stats *ConversationStats, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.GetConversationStats",
		attribute.Int64("conversation.id", int64(conversationID)),
	)
	defer func() { span.SetError(err); span.End() }()

	conv, err := s.memberConversation(ctx, tenantID, conversationID, userID)
	if err != nil {
		return nil, err
	}

	var result ConversationStats
	err = cache.Aside(ctx, s.cache, cache.ConversationStatsKey(conv.ID), &result, cache.ConversationStatsTTL, func() error {
		counts, err := s.repo.MessageTypeCounts(ctx, conv.ID)
		if err != nil {
			return err
		}
		participants, err := s.repo.CountParticipants(ctx, conv.ID)
		if err != nil {
			return err
		}
		var total int64
		for _, n := range counts {
			total += n
		}
		result = ConversationStats{
			TotalMessages:    total,
			MessagesByType:   counts,
			ParticipantCount: participants,
			CreatedAt:        conv.CreatedAt,
			UpdatedAt:        conv.UpdatedAt,
			LastMessageAt:    conv.LastMessageAt,
		}
		return nil
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &result, nil
}

// memberConversation loads a conversation and hides it from callers who are not participants.
func (s *ConversationService) memberConversation(ctx context.Context, tenantID, conversationID, userID uint) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, s.lookupError(err, "Conversation", conversationID)
	}
	if _, ok := conv.Participant(userID); !ok {
		return nil, models.NewHiddenNotFoundError("Conversation", conversationID, models.ErrNotParticipant)
	}
	return conv, nil
}

// canManage reports whether userID may edit the conversation or remove other members.
// Creator rights last only while the creator is still a participant.
func canManage(conv *models.Conversation, userID uint) bool {
	p, ok := conv.Participant(userID)
	if !ok {
		return false
	}
	return conv.CreatedBy == userID || p.Role.CanManage()
}

func (s *ConversationService) requireTenantUsers(ctx context.Context, tenantID uint, ids []uint) error {
	found, err := s.repo.TenantUserIDs(ctx, tenantID, ids)
	if err != nil {
		return models.NewInternalError(err)
	}
	if len(found) == len(ids) {
		return nil
	}
	known := make(map[uint]struct{}, len(found))
	for _, id := range found {
		known[id] = struct{}{}
	}
	var details []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			details = append(details, "user "+uintString(id)+" is not a member of this tenant")
		}
	}
	return models.NewValidationError("Participants must belong to the tenant", details...)
}

// lookupError maps a repository lookup failure onto the error taxonomy.
func (s *ConversationService) lookupError(err error, resource string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return models.NewInternalError(err)
}

// invalidate drops the conversation scope (when conversationID is set) and the list scope of
// every given user. Cache failures are logged and never fail the write that caused them.
func (s *ConversationService) invalidate(ctx context.Context, method string, tenantID, conversationID uint, users []uint) {
	if conversationID != 0 {
		s.invalidateScope(ctx, method, cache.ConversationScope(conversationID))
	}
	for _, id := range users {
		s.invalidateScope(ctx, method, cache.ConversationListScope(tenantID, id))
	}
}

func (s *ConversationService) invalidateScope(ctx context.Context, method, scope string) {
	if err := s.cache.DeleteByPrefix(ctx, scope); err != nil {
		s.logger.LogDegraded(ctx, method, "cache", err)
	}
}

func (s *ConversationService) publish(ctx context.Context, method string, event notifications.ConversationEvent, recipients []uint) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishConversationEvent(ctx, event, recipients); err != nil {
		s.logger.LogDegraded(ctx, method, "events", err)
	}
}
