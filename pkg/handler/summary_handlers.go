// Summary cache HTTP handlers
package handler

import (
	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
)

// SummaryHandler exposes the summary cache.
type SummaryHandler struct {
	summaries *service.SummaryService
}

// NewSummaryHandler creates a new summary handler
func NewSummaryHandler(summaries *service.SummaryService) *SummaryHandler {
	return &SummaryHandler{summaries: summaries}
}

// RegisterRoutes registers summary routes
func (h *SummaryHandler) RegisterRoutes(r *gin.RouterGroup) {
	summaries := r.Group("/summaries")
	{
		summaries.POST("", h.Summarize)
		summaries.GET("", h.List)
		summaries.GET("/:id", h.Fetch)
	}
}

// Summarize returns a cached summary or generates one
// POST /api/summaries
func (h *SummaryHandler) Summarize(c *gin.Context) {
	var req models.SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	summary, err := h.summaries.Summarize(c.Request.Context(), req.SubjectType, req.SubjectID, req.Excerpts)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, summary)
}

// Fetch gets a summary by id
// GET /api/summaries/:id
func (h *SummaryHandler) Fetch(c *gin.Context) {
	summary, err := h.summaries.Fetch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, summary)
}

// List lists every version of a subject's summary
// GET /api/summaries?subject_type=day&subject_id=2024-01-05
func (h *SummaryHandler) List(c *gin.Context) {
	rows, err := h.summaries.List(c.Request.Context(), c.Query("subject_type"), c.Query("subject_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rows)
}
