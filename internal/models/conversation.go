package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationType classifies a conversation.
type ConversationType string

const (
	ConversationTypeDirect   ConversationType = "direct"
	ConversationTypeGroup    ConversationType = "group"
	ConversationTypeSupport  ConversationType = "support"
	ConversationTypeBusiness ConversationType = "business"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationTypeDirect, ConversationTypeGroup, ConversationTypeSupport, ConversationTypeBusiness:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation. Any status may follow any other.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
	ConversationStatusClosed   ConversationStatus = "closed"
	ConversationStatusBlocked  ConversationStatus = "blocked"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationStatusActive, ConversationStatusArchived, ConversationStatusClosed, ConversationStatusBlocked:
		return true
	}
	return false
}

// Priority orders conversations in listings.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank returns the ordinal of p (low=0 .. urgent=3), or -1 if p is unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

// ParticipantRole is a member's role within a conversation.
type ParticipantRole string

const (
	ParticipantRoleOwner  ParticipantRole = "owner"
	ParticipantRoleAdmin  ParticipantRole = "admin"
	ParticipantRoleMember ParticipantRole = "member"
)

// CanManage reports whether the role may edit the conversation or remove other members.
func (r ParticipantRole) CanManage() bool {
	return r == ParticipantRoleOwner || r == ParticipantRoleAdmin
}

// ConversationContext links a conversation to a marketplace entity (a listing, an order, ...).
// Stored as plain columns so that entity filters stay queryable.
type ConversationContext struct {
	EntityType string            `gorm:"type:varchar(50);index" json:"entity_type,omitempty"`
	EntityID   string            `gorm:"type:varchar(100);index" json:"entity_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
}

// ConversationSettings holds the known per-conversation options.
type ConversationSettings struct {
	AllowInvites            bool     `gorm:"not null" json:"allow_invites"`
	AutoArchiveAfterSeconds int64    `gorm:"not null;default:0" json:"auto_archive_after_seconds,omitempty"`
	Priority                Priority `gorm:"type:varchar(10);not null;default:'normal'" json:"priority"`
}

// DefaultConversationSettings returns the settings applied when a creator supplies none.
func DefaultConversationSettings() ConversationSettings {
	return ConversationSettings{
		AllowInvites: true,
		Priority:     PriorityNormal,
	}
}

// Conversation is a tenant-scoped thread between participants.
type Conversation struct {
	ID            uint                      `gorm:"primaryKey" json:"id"`
	UUID          string                    `gorm:"type:varchar(36);uniqueIndex;not null" json:"uuid"`
	TenantID      uint                      `gorm:"not null;index" json:"tenant_id"`
	Subject       string                    `json:"subject,omitempty"`
	Type          ConversationType          `gorm:"type:varchar(20);not null;index" json:"type"`
	Status        ConversationStatus        `gorm:"type:varchar(20);not null;index" json:"status"`
	Context       ConversationContext       `gorm:"embedded;embeddedPrefix:context_" json:"context"`
	Settings      ConversationSettings      `gorm:"embedded;embeddedPrefix:settings_" json:"settings"`
	CreatedBy     uint                      `gorm:"not null;index" json:"created_by"`
	LastMessageAt *time.Time                `gorm:"index" json:"last_message_at,omitempty"`
	LastMessageID *uint                     `json:"last_message_id,omitempty"`
	LastMessage   *Message                  `gorm:"foreignKey:LastMessageID" json:"last_message,omitempty"`
	MessageCount  int64                     `gorm:"not null;default:0" json:"message_count"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	Participants  []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
}

// BeforeCreate assigns the external identifier.
func (c *Conversation) BeforeCreate(_ *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	return nil
}

// Participant returns the membership row for userID, if any.
func (c *Conversation) Participant(userID uint) (*ConversationParticipant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// ParticipantIDs returns the user ids of all current participants.
func (c *Conversation) ParticipantIDs() []uint {
	ids := make([]uint, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// ConversationParticipant tracks user participation in conversations
type ConversationParticipant struct {
	ConversationID uint            `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID         uint            `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	User           *User           `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Role           ParticipantRole `gorm:"type:varchar(20);not null" json:"role"`
	JoinedAt       time.Time       `json:"joined_at"`
	LastReadAt     *time.Time      `json:"last_read_at,omitempty"`
	InvitedBy      *uint           `json:"invited_by,omitempty"`
}
