package service

import (
	"context"

	"marketplace/internal/models"
	"marketplace/internal/notifications"
	"marketplace/internal/observability"
	"marketplace/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

// AddParticipantInput is the input for inviting a user into a conversation.
type AddParticipantInput struct {
	TenantID       uint
	ConversationID uint
	UserID         uint
	InvitedBy      uint
}

// RemoveParticipantInput is the input for removing a user from a conversation.
type RemoveParticipantInput struct {
	TenantID       uint
	ConversationID uint
	UserID         uint
	RemovedBy      uint
}

// AddParticipant adds a member on behalf of an existing participant.
func (s *ConversationService) AddParticipant(ctx context.Context, in AddParticipantInput) (p *models.ConversationParticipant, err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.AddParticipant",
		attribute.Int64("conversation.id", int64(in.ConversationID)),
		attribute.Int64("participant.id", int64(in.UserID)),
	)
	defer func() { span.SetError(err); span.End() }()

	if in.UserID == 0 {
		return nil, models.NewValidationError("user_id is required")
	}

	conv, err := s.memberConversation(ctx, in.TenantID, in.ConversationID, in.InvitedBy)
	if err != nil {
		return nil, err
	}
	if !conv.Settings.AllowInvites {
		return nil, models.NewForbiddenError("This conversation does not allow invites")
	}
	if _, ok := conv.Participant(in.UserID); ok {
		return nil, models.NewConflictError("User is already a participant")
	}
	if err := s.requireTenantUsers(ctx, in.TenantID, []uint{in.UserID}); err != nil {
		return nil, err
	}

	inviter := in.InvitedBy
	err = s.repo.AddParticipants(ctx, []models.ConversationParticipant{{
		ConversationID: conv.ID,
		UserID:         in.UserID,
		Role:           models.ParticipantRoleMember,
		JoinedAt:       s.now().UTC(),
		InvitedBy:      &inviter,
	}})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, models.NewConflictError("User is already a participant")
		}
		return nil, models.NewInternalError(err)
	}

	p, err = s.repo.GetParticipant(ctx, conv.ID, in.UserID)
	if err != nil {
		return nil, s.lookupError(err, "Participant", in.UserID)
	}

	members := append(conv.ParticipantIDs(), in.UserID)
	s.invalidate(ctx, "AddParticipant", in.TenantID, conv.ID, members)
	userID := in.UserID
	s.publish(ctx, "AddParticipant", notifications.ConversationEvent{
		Type:             notifications.EventParticipantAdded,
		ConversationUUID: conv.UUID,
		ConversationID:   conv.ID,
		ActorID:          in.InvitedBy,
		UserID:           &userID,
		At:               p.JoinedAt,
	}, without(members, in.InvitedBy))
	s.logger.LogCall(ctx, "AddParticipant", map[string]interface{}{
		"conversation_id": conv.ID,
		"user_id":         in.UserID,
	})
	return p, nil
}

// RemoveParticipant removes a member. Any participant may leave; removing someone else needs
// the creator or an owner/admin, and the creator can only leave on their own.
func (s *ConversationService) RemoveParticipant(ctx context.Context, in RemoveParticipantInput) (err error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.RemoveParticipant",
		attribute.Int64("conversation.id", int64(in.ConversationID)),
		attribute.Int64("participant.id", int64(in.UserID)),
	)
	defer func() { span.SetError(err); span.End() }()

	conv, err := s.memberConversation(ctx, in.TenantID, in.ConversationID, in.RemovedBy)
	if err != nil {
		return err
	}

	if in.UserID != in.RemovedBy {
		if !canManage(conv, in.RemovedBy) {
			return models.NewForbiddenError("Only the creator or a conversation admin can remove participants")
		}
		if in.UserID == conv.CreatedBy {
			return models.NewForbiddenError("The conversation creator cannot be removed")
		}
	}
	if _, ok := conv.Participant(in.UserID); !ok {
		return models.NewNotFoundError("Participant", in.UserID)
	}

	removed, err := s.repo.RemoveParticipant(ctx, conv.ID, in.UserID)
	if err != nil {
		return models.NewInternalError(err)
	}
	if !removed {
		return models.NewNotFoundError("Participant", in.UserID)
	}

	members := conv.ParticipantIDs()
	s.invalidate(ctx, "RemoveParticipant", in.TenantID, conv.ID, members)
	userID := in.UserID
	s.publish(ctx, "RemoveParticipant", notifications.ConversationEvent{
		Type:             notifications.EventParticipantRemoved,
		ConversationUUID: conv.UUID,
		ConversationID:   conv.ID,
		ActorID:          in.RemovedBy,
		UserID:           &userID,
		At:               s.now().UTC(),
	}, without(members, in.RemovedBy))
	s.logger.LogCall(ctx, "RemoveParticipant", map[string]interface{}{
		"conversation_id": conv.ID,
		"user_id":         in.UserID,
		"self":            in.UserID == in.RemovedBy,
	})
	return nil
}
