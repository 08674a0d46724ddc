// Database models for conversations and their context budget
package db

import "time"

// Conversation is a chat thread bound to one provider/model pair.
// CtxWarn and CtxForce only ever move from false to true; once CtxForce is
// set the conversation is closed and continuation happens in a new one.
type Conversation struct {
	ID         string     `json:"id" gorm:"primaryKey;size:36"`
	Title      string     `json:"title" gorm:"size:200"`
	ProviderID string     `json:"provider_id,omitempty" gorm:"size:64"`
	ModelID    string     `json:"model_id,omitempty" gorm:"size:128"`
	CtxWarn    bool       `json:"ctx_warn" gorm:"not null;default:false"`
	CtxForce   bool       `json:"ctx_force" gorm:"not null;default:false"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`

	// TotalTokens is derived from the messages table on read.
	TotalTokens int64 `json:"total_tokens" gorm:"-"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Closed reports whether the conversation was force-rolled.
func (c *Conversation) Closed() bool {
	return c.CtxForce
}
