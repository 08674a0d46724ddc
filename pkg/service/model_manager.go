package service

import (
	"context"
	"log/slog"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
)

// ChatRequest is a gateway request before provider resolution.
type ChatRequest struct {
	Input            ChatInput
	ProviderOverride string
	ModelOverride    string
	PreferLocal      bool
}

// ChatClient runs a chat request against whichever provider is available.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

const runtimeModule = "ai.runtime"

// ModelManager resolves a selection, then walks the fallback chain until a
// provider answers. Every attempt is written to the event log.
type ModelManager struct {
	providers *ProviderService
	gateway   Gateway
	recorder  event.Recorder
	logger    *slog.Logger
}

// NewModelManager creates a model manager.
func NewModelManager(providers *ProviderService, gateway Gateway, recorder event.Recorder) *ModelManager {
	return &ModelManager{
		providers: providers,
		gateway:   gateway,
		recorder:  recorder,
		logger:    utils.GetLogger(),
	}
}

// Chat implements ChatClient. It fails with ErrNoProviderConfigured when no
// selection resolves and ErrGatewayFailure when every attempt fails.
func (m *ModelManager) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	catalog, err := m.providers.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	primary, err := catalog.ResolveWithFallback(req.ProviderOverride, req.ModelOverride, req.PreferLocal)
	if err != nil {
		return nil, err
	}

	attempts := []RuntimeSelection{primary}
	for _, c := range catalog.Candidates(req.ProviderOverride, req.ModelOverride, req.PreferLocal) {
		if c.Provider.ID != primary.Provider.ID {
			attempts = append(attempts, c)
		}
	}

	var lastErr error
	for _, sel := range attempts {
		resp, err := m.gateway.Chat(ctx, sel, req.Input)
		if err != nil {
			lastErr = err
			m.logger.Warn("AI provider invocation failed", "provider", sel.Provider.ID, "model", sel.Model, "error", err)
			m.recorder.Record(ctx, event.Entry{
				Level:   db.LevelWarn,
				Code:    "AI-0201",
				Module:  runtimeModule,
				Message: "AI provider invocation failed",
				Explain: "Attempting fallback",
				Data:    map[string]any{"provider": sel.Provider.ID, "model": sel.Model, "error": err.Error()},
			})
			continue
		}
		m.recorder.Record(ctx, event.Entry{
			Level:   db.LevelInfo,
			Code:    "AI-0200",
			Module:  runtimeModule,
			Message: "AI chat invocation succeeded",
			Explain: "Model manager resolved a provider",
			Data:    map[string]any{"provider": sel.Provider.ID, "model": sel.Model, "preview": preview(resp.Content, 200)},
		})
		return resp, nil
	}

	return nil, newError(ErrGatewayFailure, CodeGatewayFailure,
		"No configured AI provider could answer. Check provider settings and connectivity.", lastErr)
}

// preview returns at most n runes of s.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
