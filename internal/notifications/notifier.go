// Package notifications publishes conversation events into Redis channels.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types published after a successful write.
const (
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventMessageCreated      = "message.created"
	EventParticipantAdded    = "participant.added"
	EventParticipantRemoved  = "participant.removed"
)

// ConversationEvent is the JSON payload published for a conversation change.
type ConversationEvent struct {
	Type             string    `json:"type"`
	ConversationUUID string    `json:"conversation_uuid"`
	ConversationID   uint      `json:"conversation_id"`
	ActorID          uint      `json:"actor_id"`
	MessageID        *uint     `json:"message_id,omitempty"`
	UserID           *uint     `json:"user_id,omitempty"`
	At               time.Time `json:"at"`
}

// Notifier provides helpers to publish notifications into Redis channels
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
// A nil client turns every publish into a no-op.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// UserChannel returns the per-user notification channel.
func UserChannel(userID uint) string {
	return fmt.Sprintf("notifications:user:%d", userID)
}

// ConversationChannel returns the channel carrying every event of one conversation.
func ConversationChannel(conversationUUID string) string {
	return "conversation:" + conversationUUID
}

// PublishUser sends a notification payload to a user's channel.
func (n *Notifier) PublishUser(ctx context.Context, userID uint, payload string) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, UserChannel(userID), payload).Err()
}

// PublishConversationEvent sends event to the conversation channel and to each recipient's
// user channel in one pipeline. Every publish is attempted; the errors are joined.
func (n *Notifier) PublishConversationEvent(ctx context.Context, event ConversationEvent, recipients []uint) error {
	if n == nil || n.rdb == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	pipe := n.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(recipients)+1)
	cmds = append(cmds, pipe.Publish(ctx, ConversationChannel(event.ConversationUUID), payload))
	for _, id := range recipients {
		cmds = append(cmds, pipe.Publish(ctx, UserChannel(id), payload))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		errs := make([]error, 0, len(cmds))
		for _, cmd := range cmds {
			if cmd.Err() != nil {
				errs = append(errs, cmd.Err())
			}
		}
		if len(errs) == 0 {
			return err
		}
		return errors.Join(errs...)
	}
	return nil
}
