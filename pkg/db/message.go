// Database models for chat messages
package db

import "time"

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one a message may carry.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message belongs to exactly one conversation. TokenEst is computed at insert
// time and never rewritten.
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string    `json:"conversation_id" gorm:"index:idx_messages_conversation,priority:1;size:36;not null"`
	Role           string    `json:"role" gorm:"size:20;not null"`
	Body           string    `json:"body" gorm:"type:text;not null"`
	TokenEst       int64     `json:"token_est" gorm:"not null;default:0"`
	CreatedAt      time.Time `json:"created_at" gorm:"index:idx_messages_conversation,priority:2"`
}

func (*Message) TableName() string {
	return "messages"
}
