package service

import (
	"context"
	"errors"

	"marketplace/internal/models"
	"marketplace/internal/notifications"
	"marketplace/internal/observability"
	"marketplace/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	TenantID       uint
	ConversationID uint
	SenderID       uint
	Content        string
	MessageType    models.MessageType
	Attachments    []models.Attachment
	ReplyToID      *uint
	Metadata       map[string]interface{}
}

// SearchMessagesInput filters the messages of one conversation.
type SearchMessagesInput struct {
	TenantID        uint
	ConversationID  uint
	UserID          uint
	Search          string
	MessageType     models.MessageType
	SenderID        uint
	BeforeMessageID uint
	AfterMessageID  uint
	Limit           int
	Offset          int
}

// MessagePage is one newest-first page of messages.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	HasMore  bool             `json:"has_more"`
}

func newMessagePage(messages []models.Message, total int64, limit, offset int) MessagePage {
	if messages == nil {
		messages = []models.Message{}
	}
	return MessagePage{
		Messages: messages,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		HasMore:  int64(offset+limit) < total,
	}
}

// SendMessage posts a message. The insert, the conversation counters and the sender's read
// marker are written in one transaction.
func (s *ConversationService) SendMessage(ctx context.Context, in SendMessageInput) (msg *models.Message, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.SendMessage",
		attribute.Int64("conversation.id", int64(in.ConversationID)),
		attribute.Int64("user.id", int64(in.SenderID)),
	)
	defer func() { span.SetError(err); span.End() }()

	messageType, err := validateMessage(in.Content, in.MessageType, in.Attachments)
	if err != nil {
		return nil, err
	}

	conv, err := s.memberConversation(ctx, in.TenantID, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if conv.Status != models.ConversationStatusActive {
		return nil, models.NewForbiddenError("Messages can only be sent to active conversations")
	}

	created := &models.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MessageType:    messageType,
		Attachments:    in.Attachments,
		ReplyToID:      in.ReplyToID,
		Metadata:       in.Metadata,
	}
	err = s.repo.Transaction(ctx, func(tx repository.ConversationRepository) error {
		if in.ReplyToID != nil {
			parent, err := tx.GetMessage(ctx, *in.ReplyToID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if parent == nil || parent.ConversationID != conv.ID {
				return models.NewNotFoundError("Message", *in.ReplyToID)
			}
		}

		created.CreatedAt = s.now().UTC()
		if err := tx.CreateMessage(ctx, created); err != nil {
			return err
		}
		if err := tx.RecordMessage(ctx, conv.ID, created.ID, created.CreatedAt); err != nil {
			return err
		}
		return tx.UpdateLastRead(ctx, conv.ID, in.SenderID, created.CreatedAt)
	})
	if err != nil {
		return nil, s.lookupError(err, "Conversation", conv.ID)
	}

	msg, err = s.repo.GetMessage(ctx, created.ID)
	if err != nil {
		return nil, s.lookupError(err, "Message", created.ID)
	}

	members := conv.ParticipantIDs()
	s.invalidate(ctx, "SendMessage", in.TenantID, conv.ID, members)
	s.publish(ctx, "SendMessage", notifications.ConversationEvent{
		Type:             notifications.EventMessageCreated,
		ConversationUUID: conv.UUID,
		ConversationID:   conv.ID,
		ActorID:          in.SenderID,
		MessageID:        &msg.ID,
		At:               msg.CreatedAt,
	}, without(members, in.SenderID))
	observability.MessagesSent.WithLabelValues(string(msg.MessageType)).Inc()
	s.logger.LogCall(ctx, "SendMessage", map[string]interface{}{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
	})
	return msg, nil
}

// SearchMessages returns a newest-first page of a conversation's messages. Unlike reads of the
// conversation itself, a caller who is not a participant gets FORBIDDEN.
func (s *ConversationService) SearchMessages(ctx context.Context, in SearchMessagesInput) (page *MessagePage, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.SearchMessages",
		attribute.Int64("conversation.id", int64(in.ConversationID)),
	)
	defer func() { span.SetError(err); span.End() }()

	limit, offset, err := pageBounds(in.Limit, in.Offset, defaultMessageLimit)
	if err != nil {
		return nil, err
	}
	if in.MessageType != "" && !in.MessageType.Valid() {
		return nil, models.NewValidationError("Invalid message_type filter")
	}
	if len(in.Search) > maxSearchLength {
		return nil, models.NewValidationError("Search term too long")
	}

	conv, err := s.repo.GetConversation(ctx, in.TenantID, in.ConversationID)
	if err != nil {
		return nil, s.lookupError(err, "Conversation", in.ConversationID)
	}
	if _, ok := conv.Participant(in.UserID); !ok {
		return nil, models.NewForbiddenError("You are not a participant in this conversation")
	}

	messages, total, err := s.repo.ListMessages(ctx, repository.MessageQuery{
		ConversationID: conv.ID,
		Search:         in.Search,
		MessageType:    in.MessageType,
		SenderID:       in.SenderID,
		BeforeID:       in.BeforeMessageID,
		AfterID:        in.AfterMessageID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	result := newMessagePage(messages, total, limit, offset)
	return &result, nil
}
