package models

import (
	"time"

	"gorm.io/datatypes"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeFile         MessageType = "file"
	MessageTypeImage        MessageType = "image"
	MessageTypeSystem       MessageType = "system"
	MessageTypeNotification MessageType = "notification"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeImage, MessageTypeSystem, MessageTypeNotification:
		return true
	}
	return false
}

// Attachment describes an already-uploaded file referenced by a message.
type Attachment struct {
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Message represents a chat message. Messages are immutable once created.
type Message struct {
	ID             uint                            `gorm:"primaryKey" json:"id"`
	ConversationID uint                            `gorm:"not null;index" json:"conversation_id"`
	SenderID       uint                            `gorm:"not null;index" json:"sender_id"`
	Sender         *User                           `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content        string                          `gorm:"type:text;not null" json:"content"`
	MessageType    MessageType                     `gorm:"type:varchar(20);not null;index" json:"message_type"`
	Attachments    datatypes.JSONSlice[Attachment] `json:"attachments,omitempty"`
	ReplyToID      *uint                           `gorm:"index" json:"reply_to_id,omitempty"`
	ReplyTo        *Message                        `gorm:"foreignKey:ReplyToID" json:"reply_to,omitempty"`
	Metadata       datatypes.JSONMap               `json:"metadata,omitempty"`
	CreatedAt      time.Time                       `gorm:"index" json:"created_at"`
}
