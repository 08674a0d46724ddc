package service

import (
	"context"
	"testing"

	"github.com/choraleia/inkos/pkg/config"
	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testCatalog() *ProviderCatalog {
	provider := func(id, kind string, requiresKey, hasKey bool, models ...string) ProviderInfo {
		return ProviderInfo{
			AIProvider: db.AIProvider{
				ID:             id,
				Kind:           kind,
				DefaultModel:   models[0],
				Models:         datatypes.JSONSlice[string](models),
				RequiresAPIKey: requiresKey,
			},
			HasCredentials: hasKey,
		}
	}
	return &ProviderCatalog{
		Providers: []ProviderInfo{
			provider("anthropic", db.ProviderCloud, true, false, "claude-3-5-haiku-latest"),
			provider("deepseek", db.ProviderCloud, true, true, "deepseek-chat"),
			provider("ollama", db.ProviderLocal, false, false, "llama3.1", "qwen2.5"),
		},
		secrets: map[string]string{"deepseek": "sk-test"},
	}
}

func TestCatalogResolve(t *testing.T) {
	c := testCatalog()
	c.ActiveProviderID, c.ActiveModel = "ollama", "qwen2.5"

	sel, err := c.Resolve("", "")
	require.NoError(t, err)
	assert.Equal(t, "ollama", sel.Provider.ID)
	assert.Equal(t, "qwen2.5", sel.Model)

	sel, err = c.Resolve("ollama", "not-listed")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", sel.Model)

	sel, err = c.Resolve("deepseek", "")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", sel.Model)
	assert.Equal(t, "sk-test", sel.Secret)

	_, err = c.Resolve("nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
	code, _ := CodeOf(err)
	assert.Equal(t, CodeProviderNotFound, code)
}

func TestCatalogResolveWithFallback(t *testing.T) {
	tests := []struct {
		name        string
		override    string
		preferLocal bool
		want        string
	}{
		{name: "cloud first without preference", want: "deepseek"},
		{name: "local preferred", preferLocal: true, want: "ollama"},
		{name: "unknown override falls back", override: "nope", preferLocal: true, want: "ollama"},
		{name: "keyless cloud override is still primary", override: "anthropic", want: "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := testCatalog().ResolveWithFallback(tt.override, "", tt.preferLocal)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Provider.ID)
		})
	}
}

func TestCatalogResolveWithFallback_NothingUsable(t *testing.T) {
	c := &ProviderCatalog{Providers: []ProviderInfo{{
		AIProvider: db.AIProvider{ID: "openai", Kind: db.ProviderCloud, DefaultModel: "gpt-4o-mini", RequiresAPIKey: true},
	}}}
	_, err := c.ResolveWithFallback("", "", true)
	assert.ErrorIs(t, err, ErrNoProviderConfigured)
}

func TestProviderService_SeedAndSettings(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	ps := NewProviderService(database, []config.ProviderConfig{
		{ID: "ollama", BaseURL: "http://gpu-box:11434", CapabilityTags: []string{"ctx-32k"}},
	}, event.Discard, nil)
	ps.getenv = func(key string) string {
		if key == "INKOS_OPENAI_API_KEY" {
			return "from-env"
		}
		return ""
	}
	require.NoError(t, ps.Seed(ctx))
	// Reseeding is an upsert.
	require.NoError(t, ps.Seed(ctx))

	providers, err := ps.ListProviders(ctx)
	require.NoError(t, err)
	byID := map[string]ProviderInfo{}
	for _, p := range providers {
		byID[p.ID] = p
	}
	assert.Equal(t, "http://gpu-box:11434", byID["ollama"].BaseURL)
	assert.True(t, byID["openai"].HasCredentials)
	assert.False(t, byID["anthropic"].HasCredentials)

	window, err := ps.ContextWindow(ctx, "ollama", "llama3.1")
	require.NoError(t, err)
	assert.Equal(t, int64(32000), window)

	key := "sk-anthropic"
	settings, err := ps.UpdateAISettings(ctx, AISettingsUpdate{ProviderID: "anthropic", APIKey: &key})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", settings.ActiveProviderID)
	assert.Equal(t, "claude-3-5-haiku-latest", settings.ActiveModel)
	require.NotNil(t, settings.Provider)
	assert.True(t, settings.Provider.HasCredentials)

	sel, err := ps.Resolve(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-anthropic", sel.Secret)

	_, err = ps.UpdateAISettings(ctx, AISettingsUpdate{ProviderID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsService(t *testing.T) {
	ctx := context.Background()
	s := NewSettingsService(newTestDB(t), RolloverSettings{}, event.Discard, nil)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.WarnRatio, 1e-9)
	assert.InDelta(t, 0.9, got.ForceRatio, 1e-9)

	warn := 0.5
	got, err = s.Update(ctx, RolloverSettingsUpdate{WarnRatio: &warn})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.WarnRatio, 1e-9)

	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.WarnRatio, 1e-9)

	tooHigh := 0.95
	_, err = s.Update(ctx, RolloverSettingsUpdate{WarnRatio: &tooHigh})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
