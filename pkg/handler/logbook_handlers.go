// Logbook, timeline and event log HTTP handlers
package handler

import (
	"time"

	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
)

// LogbookHandler exposes the digest output and the event log.
type LogbookHandler struct {
	digest   *service.DigestJob
	recorder *event.LogRecorder
}

// NewLogbookHandler creates a new logbook handler
func NewLogbookHandler(digest *service.DigestJob, recorder *event.LogRecorder) *LogbookHandler {
	return &LogbookHandler{digest: digest, recorder: recorder}
}

// RegisterRoutes registers logbook routes
func (h *LogbookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/logbook/:date", h.GetLogbook)
	r.GET("/timeline/:date", h.ListTimeline)
	r.GET("/events", h.ListEvents)
}

// GetLogbook gets the digest of a day
// GET /api/logbook/2024-01-05
func (h *LogbookHandler) GetLogbook(c *gin.Context) {
	date, ok := dateParam(c)
	if !ok {
		return
	}
	entry, err := h.digest.GetLogbookEntry(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, entry)
}

// ListTimeline lists the derived timeline of a day
// GET /api/timeline/2024-01-05
func (h *LogbookHandler) ListTimeline(c *gin.Context) {
	date, ok := dateParam(c)
	if !ok {
		return
	}
	rows, err := h.digest.ListTimeline(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rows)
}

// ListEvents lists event log entries newest first
// GET /api/events?module=ai.runtime&level=warn&limit=100
func (h *LogbookHandler) ListEvents(c *gin.Context) {
	rows, err := h.recorder.List(c.Request.Context(), event.EventFilter{
		Module: c.Query("module"),
		Level:  c.Query("level"),
		Limit:  queryInt(c, "limit", 100),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rows)
}

func dateParam(c *gin.Context) (string, bool) {
	date := c.Param("date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		respondBadRequest(c, "date must be YYYY-MM-DD")
		return "", false
	}
	return date, true
}
