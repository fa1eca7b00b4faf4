package service

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"marketplace/internal/models"
)

const (
	minParticipants     = 2
	maxParticipants     = 10
	maxSubjectLength    = 255
	maxSearchLength     = 200
	maxContentLength    = 10000
	maxAttachments      = 10
	maxEntityType       = 50
	maxEntityID         = 100
	defaultListLimit    = 20
	defaultMessageLimit = 50
	maxPageLimit        = 100
)

// SettingsInput is a partial set of conversation settings. Nil fields keep their current value.
type SettingsInput struct {
	AllowInvites            *bool            `json:"allow_invites"`
	AutoArchiveAfterSeconds *int64           `json:"auto_archive_after_seconds"`
	Priority                *models.Priority `json:"priority"`
}

func (in *SettingsInput) empty() bool {
	return in == nil || (in.AllowInvites == nil && in.AutoArchiveAfterSeconds == nil && in.Priority == nil)
}

// applyTo validates the input and merges it into settings.
func (in *SettingsInput) applyTo(settings *models.ConversationSettings) error {
	if in == nil {
		return nil
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return models.NewValidationError("Invalid priority", "priority must be one of low, normal, high, urgent")
	}
	if in.AutoArchiveAfterSeconds != nil && *in.AutoArchiveAfterSeconds < 0 {
		return models.NewValidationError("auto_archive_after_seconds cannot be negative")
	}
	if in.AllowInvites != nil {
		settings.AllowInvites = *in.AllowInvites
	}
	if in.AutoArchiveAfterSeconds != nil {
		settings.AutoArchiveAfterSeconds = *in.AutoArchiveAfterSeconds
	}
	if in.Priority != nil {
		settings.Priority = *in.Priority
	}
	return nil
}

// validateParticipantIDs checks the caller-supplied list before the creator is added.
func validateParticipantIDs(ids []uint) error {
	if len(ids) < minParticipants || len(ids) > maxParticipants {
		return models.NewValidationError(
			fmt.Sprintf("A conversation needs between %d and %d participants", minParticipants, maxParticipants),
		)
	}
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			return models.NewValidationError("Participant ids must be positive")
		}
		if _, dup := seen[id]; dup {
			return models.NewValidationError("Participant ids must be distinct", "duplicate user "+uintString(id))
		}
		seen[id] = struct{}{}
	}
	return nil
}

// withCreator returns ids with the creator appended when absent.
func withCreator(ids []uint, creator uint) []uint {
	out := make([]uint, 0, len(ids)+1)
	found := false
	for _, id := range ids {
		if id == creator {
			found = true
		}
		out = append(out, id)
	}
	if !found {
		out = append(out, creator)
	}
	return out
}

// without returns ids minus exclude.
func without(ids []uint, exclude uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func validateSubject(subject string) error {
	if utf8.RuneCountInString(strings.TrimSpace(subject)) > maxSubjectLength {
		return models.NewValidationError(fmt.Sprintf("Subject too long (max %d characters)", maxSubjectLength))
	}
	return nil
}

func validateContext(in *models.ConversationContext) (models.ConversationContext, error) {
	if in == nil {
		return models.ConversationContext{}, nil
	}
	out := models.ConversationContext{
		EntityType: strings.TrimSpace(in.EntityType),
		EntityID:   strings.TrimSpace(in.EntityID),
		Metadata:   in.Metadata,
	}
	if len(out.EntityType) > maxEntityType || len(out.EntityID) > maxEntityID {
		return models.ConversationContext{}, models.NewValidationError("Context entity reference too long")
	}
	if (out.EntityType == "") != (out.EntityID == "") {
		return models.ConversationContext{}, models.NewValidationError("Context needs both entity_type and entity_id")
	}
	return out, nil
}

// validateMessage checks content, type and attachments and returns the effective message type.
func validateMessage(content string, messageType models.MessageType, attachments []models.Attachment) (models.MessageType, error) {
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if !messageType.Valid() {
		return "", models.NewValidationError("Invalid message type", "message_type must be one of text, file, image, system, notification")
	}
	if len(attachments) > maxAttachments {
		return "", models.NewValidationError(fmt.Sprintf("Too many attachments (max %d)", maxAttachments))
	}
	var details []string
	for i, a := range attachments {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Filename) == "" {
			details = append(details, fmt.Sprintf("attachment %d needs url and filename", i))
		}
		if a.Size < 0 {
			details = append(details, fmt.Sprintf("attachment %d has a negative size", i))
		}
	}
	if len(details) > 0 {
		return "", models.NewValidationError("Invalid attachments", details...)
	}

	if strings.TrimSpace(content) == "" {
		if len(attachments) == 0 {
			return "", models.NewValidationError("Message content is required")
		}
		return messageType, nil
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return "", models.NewValidationError(fmt.Sprintf("Message content too long (max %d characters)", maxContentLength))
	}
	return messageType, nil
}

// pageBounds applies the default limit and caps it at maxPageLimit.
func pageBounds(limit, offset, defaultLimit int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, models.NewValidationError("limit and offset cannot be negative")
	}
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, offset, nil
}

func uintString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
