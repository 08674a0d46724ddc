// Conversation HTTP handlers
package handler

import (
	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
)

// ConversationHandler exposes the rollover engine.
type ConversationHandler struct {
	conversations *service.ConversationService
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversations *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// RegisterRoutes registers conversation routes
func (h *ConversationHandler) RegisterRoutes(r *gin.RouterGroup) {
	conversations := r.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.GET("/:id/messages", h.ListMessages)
		conversations.POST("/:id/messages", h.AppendMessage)
		conversations.POST("/:id/rollover", h.Rollover)
		conversations.PUT("/:id/model", h.SetModel)
		conversations.POST("/:id/summarize", h.Summarize)
	}
	r.GET("/links/:id", h.ListLinks)
}

// CreateConversation creates a conversation
// POST /api/conversations
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	conv, err := h.conversations.CreateConversation(c.Request.Context(), req.Title, req.ProviderID, req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, conv)
}

// ListConversations lists conversations by recent activity
// GET /api/conversations?limit=50
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	convs, err := h.conversations.ListConversations(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, convs)
}

// GetConversation gets a conversation with its token total
// GET /api/conversations/:id
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.conversations.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, conv)
}

// ListMessages lists messages in chronological order
// GET /api/conversations/:id/messages?limit=0
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	msgs, err := h.conversations.ListMessages(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, msgs)
}

// AppendMessage appends a message and rolls the conversation over when it
// crosses its force threshold
// POST /api/conversations/:id/messages
func (h *ConversationHandler) AppendMessage(c *gin.Context) {
	var req models.AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	result, err := h.conversations.AppendAndMaybeRollover(c.Request.Context(), c.Param("id"), req.Role, req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// Rollover forces a rollover
// POST /api/conversations/:id/rollover
func (h *ConversationHandler) Rollover(c *gin.Context) {
	outcome, err := h.conversations.Rollover(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, outcome)
}

// SetModel rebinds the conversation's provider/model
// PUT /api/conversations/:id/model
func (h *ConversationHandler) SetModel(c *gin.Context) {
	var req models.SetConversationModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	conv, err := h.conversations.SetConversationModel(c.Request.Context(), c.Param("id"), req.ProviderID, req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, conv)
}

// Summarize summarizes the conversation tail without rolling over
// POST /api/conversations/:id/summarize
func (h *ConversationHandler) Summarize(c *gin.Context) {
	summary, err := h.conversations.SummarizeConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, summary)
}

// ListLinks lists provenance links touching an entity
// GET /api/links/:id
func (h *ConversationHandler) ListLinks(c *gin.Context) {
	links, err := h.conversations.ListLinks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, links)
}
