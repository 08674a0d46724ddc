package handler

import (
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
)

// SettingsHandler exposes AI provider selection and rollover thresholds.
type SettingsHandler struct {
	providers *service.ProviderService
	settings  *service.SettingsService
}

func NewSettingsHandler(providers *service.ProviderService, settings *service.SettingsService) *SettingsHandler {
	return &SettingsHandler{providers: providers, settings: settings}
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/rollover", h.GetRollover)
	r.PUT("/settings/rollover", h.UpdateRollover)

	ai := r.Group("/ai")
	{
		ai.GET("/providers", h.ListProviders)
		ai.GET("/settings", h.GetAISettings)
		ai.PUT("/settings", h.UpdateAISettings)
	}
}

// GetRollover returns the effective rollover thresholds
// GET /api/settings/rollover
func (h *SettingsHandler) GetRollover(c *gin.Context) {
	settings, err := h.settings.Get(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settings)
}

// UpdateRollover changes the rollover thresholds
// PUT /api/settings/rollover
func (h *SettingsHandler) UpdateRollover(c *gin.Context) {
	var req service.RolloverSettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	settings, err := h.settings.Update(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settings)
}

// ListProviders lists configured AI providers
// GET /api/ai/providers
func (h *SettingsHandler) ListProviders(c *gin.Context) {
	providers, err := h.providers.ListProviders(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, providers)
}

// GetAISettings returns the active provider selection
// GET /api/ai/settings
func (h *SettingsHandler) GetAISettings(c *gin.Context) {
	settings, err := h.providers.GetAISettings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settings)
}

// UpdateAISettings selects the active provider and stores its credential
// PUT /api/ai/settings
func (h *SettingsHandler) UpdateAISettings(c *gin.Context) {
	var req service.AISettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if req.ProviderID == "" {
		respondBadRequest(c, "provider_id is required")
		return
	}
	settings, err := h.providers.UpdateAISettings(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settings)
}
