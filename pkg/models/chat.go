// Request types for the conversation and summary API
package models

import (
	"github.com/choraleia/inkos/pkg/db"
)

// ========== Type aliases for database types ==========

type Conversation = db.Conversation
type Message = db.Message
type Summary = db.Summary

// CreateConversationRequest opens a conversation. Empty provider/model fall
// back to the active AI settings.
type CreateConversationRequest struct {
	Title      string `json:"title"`
	ProviderID string `json:"provider_id,omitempty"`
	Model      string `json:"model,omitempty"`
}

// AppendMessageRequest is the body of POST /conversations/:id/messages.
type AppendMessageRequest struct {
	Role string `json:"role" binding:"required"`
	Body string `json:"body" binding:"required"`
}

// SetConversationModelRequest rebinds a conversation.
type SetConversationModelRequest struct {
	ProviderID string `json:"provider_id,omitempty"`
	Model      string `json:"model,omitempty"`
}

// SummarizeRequest asks the summary cache for a subject's summary over an
// ordered excerpt set.
type SummarizeRequest struct {
	SubjectType string   `json:"subject_type" binding:"required"`
	SubjectID   string   `json:"subject_id" binding:"required"`
	Excerpts    []string `json:"excerpts"`
}
