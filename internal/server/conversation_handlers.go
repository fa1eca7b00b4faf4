package server

import (
	"marketplace/internal/models"
	"marketplace/internal/service"

	"github.com/gofiber/fiber/v2"
)

type createConversationRequest struct {
	ParticipantIDs []uint                      `json:"participant_ids"`
	Subject        string                      `json:"subject"`
	Type           models.ConversationType     `json:"type"`
	Context        *models.ConversationContext `json:"context"`
	Settings       *service.SettingsInput      `json:"settings"`
}

type updateConversationRequest struct {
	Subject  *string                    `json:"subject"`
	Status   *models.ConversationStatus `json:"status"`
	Settings *service.SettingsInput     `json:"settings"`
}

type sendMessageRequest struct {
	Content     string                 `json:"content"`
	MessageType models.MessageType     `json:"message_type"`
	Attachments []models.Attachment    `json:"attachments"`
	ReplyToID   *uint                  `json:"reply_to_id"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type addParticipantRequest struct {
	UserID uint `json:"user_id"`
}

// CreateConversation handles POST /api/conversations
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}

	var req createConversationRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	conv, err := s.conversations.CreateConversation(c.UserContext(), service.CreateConversationInput{
		TenantID:       tenantID,
		CreatedBy:      userID,
		ParticipantIDs: req.ParticipantIDs,
		Subject:        req.Subject,
		Type:           req.Type,
		Context:        req.Context,
		Settings:       req.Settings,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// SearchConversations handles GET /api/conversations
func (s *Server) SearchConversations(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}

	q := newQueryParams(c)
	in := service.SearchConversationsInput{
		TenantID:   tenantID,
		UserID:     userID,
		Status:     models.ConversationStatus(c.Query("status")),
		Type:       models.ConversationType(c.Query("type")),
		Search:     c.Query("search"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		SortBy:     c.Query("sort_by"),
		SortOrder:  c.Query("sort_order"),
		Limit:      q.Int("limit"),
		Offset:     q.Int("offset"),
	}
	if err := q.Err(); err != nil {
		return nil
	}

	page, err := s.conversations.SearchConversations(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// GetConversation handles GET /api/conversations/:uuid
func (s *Server) GetConversation(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}

	q := newQueryParams(c)
	in := service.GetConversationInput{
		TenantID: tenantID,
		UUID:     c.Params("uuid"),
		UserID:   userID,
		Limit:    q.Int("limit"),
		Offset:   q.Int("offset"),
	}
	if err := q.Err(); err != nil {
		return nil
	}

	detail, err := s.conversations.GetConversationByUUID(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(detail)
}

// UpdateConversation handles PATCH /api/conversations/:id
func (s *Server) UpdateConversation(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	var req updateConversationRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	conv, err := s.conversations.UpdateConversation(c.UserContext(), service.UpdateConversationInput{
		TenantID:       tenantID,
		ConversationID: convID,
		UserID:         userID,
		Subject:        req.Subject,
		Status:         req.Status,
		Settings:       req.Settings,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// SendMessage handles POST /api/conversations/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	msg, err := s.conversations.SendMessage(c.UserContext(), service.SendMessageInput{
		TenantID:       tenantID,
		ConversationID: convID,
		SenderID:       userID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		Attachments:    req.Attachments,
		ReplyToID:      req.ReplyToID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// SearchMessages handles GET /api/conversations/:id/messages
func (s *Server) SearchMessages(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	q := newQueryParams(c)
	in := service.SearchMessagesInput{
		TenantID:        tenantID,
		ConversationID:  convID,
		UserID:          userID,
		Search:          c.Query("search"),
		MessageType:     models.MessageType(c.Query("message_type")),
		SenderID:        q.ID("sender_id"),
		BeforeMessageID: q.ID("before_message_id"),
		AfterMessageID:  q.ID("after_message_id"),
		Limit:           q.Int("limit"),
		Offset:          q.Int("offset"),
	}
	if err := q.Err(); err != nil {
		return nil
	}

	page, err := s.conversations.SearchMessages(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// GetConversationStats handles GET /api/conversations/:id/stats
func (s *Server) GetConversationStats(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	stats, err := s.conversations.GetConversationStats(c.UserContext(), tenantID, convID, userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// AddParticipant handles POST /api/conversations/:id/participants
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	var req addParticipantRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	participant, err := s.conversations.AddParticipant(c.UserContext(), service.AddParticipantInput{
		TenantID:       tenantID,
		ConversationID: convID,
		UserID:         req.UserID,
		InvitedBy:      userID,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(participant)
}

// RemoveParticipant handles DELETE /api/conversations/:id/participants/:userId
func (s *Server) RemoveParticipant(c *fiber.Ctx) error {
	userID, tenantID, err := identity(c)
	if err != nil {
		return nil
	}
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}

	err = s.conversations.RemoveParticipant(c.UserContext(), service.RemoveParticipantInput{
		TenantID:       tenantID,
		ConversationID: convID,
		UserID:         targetID,
		RemovedBy:      userID,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Participant removed"})
}
