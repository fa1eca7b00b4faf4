package cache

import (
	"fmt"
	"strings"
	"time"
)

const (
	conversationScopePrefix     = "conv:%d"
	conversationListScopePrefix = "convlist:%d:%d"
	indexPrefix                 = "cacheidx:"
	generationPrefix            = "cachegen:"
)

const (
	ConversationStatsTTL = 5 * time.Minute
	ConversationListTTL  = time.Minute
)

// ConversationScope groups every cached entry derived from one conversation.
func ConversationScope(conversationID uint) string {
	return fmt.Sprintf(conversationScopePrefix, conversationID)
}

// ConversationListScope groups every cached conversation listing of one user.
func ConversationListScope(tenantID, userID uint) string {
	return fmt.Sprintf(conversationListScopePrefix, tenantID, userID)
}

func ConversationStatsKey(conversationID uint) string {
	return ConversationScope(conversationID) + ":stats"
}

func ConversationListKey(tenantID, userID uint, queryHash string) string {
	return ConversationListScope(tenantID, userID) + ":" + queryHash
}

// scopeOf returns the scope a key belongs to: its first two ':'-separated
// segments for conv keys and its first three for convlist keys.
func scopeOf(key string) string {
	parts := strings.Split(key, ":")
	n := 2
	if len(parts) > 0 && parts[0] == "convlist" {
		n = 3
	}
	if len(parts) <= n {
		return key
	}
	return strings.Join(parts[:n], ":")
}

// ScopeKind returns the leading segment of a scope, used as a metrics label.
func ScopeKind(scope string) string {
	if i := strings.IndexByte(scope, ':'); i >= 0 {
		return scope[:i]
	}
	return scope
}

func indexKey(scope string) string {
	return indexPrefix + scope
}

func generationKey(scope string) string {
	return generationPrefix + scope
}
