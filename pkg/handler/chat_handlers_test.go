package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/choraleia/inkos/pkg/config"
	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedChat struct{}

func (cannedChat) Chat(context.Context, service.ChatRequest) (*service.ChatResponse, error) {
	return &service.ChatResponse{ProviderID: "bench", Model: "bench-small", Content: "Recap."}, nil
}

func newConversationRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	database, err := db.Open("sqlite", filepath.Join(t.TempDir(), "inkos.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database))
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	local := false
	providers := service.NewProviderService(database, []config.ProviderConfig{{
		ID: "bench", Kind: db.ProviderLocal, Driver: "ollama",
		DefaultModel: "bench-small", Models: []string{"bench-small"}, RequiresAPIKey: &local,
	}}, event.Discard, nil)
	require.NoError(t, providers.Seed(ctx))
	_, err = providers.UpdateAISettings(ctx, service.AISettingsUpdate{ProviderID: "bench"})
	require.NoError(t, err)

	settings := service.NewSettingsService(database, service.RolloverSettings{}, event.Discard, nil)
	summaries := service.NewSummaryService(database, cannedChat{}, settings, nil, event.Discard, nil, nil, service.SummaryOptions{})
	conversations := service.NewConversationService(database, providers, summaries, settings, event.Discard, nil, nil,
		service.ConversationOptions{})

	r := gin.New()
	NewConversationHandler(conversations).RegisterRoutes(r.Group("/api"))
	return r
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func TestConversationRoutes_RolloverFlow(t *testing.T) {
	r := newConversationRouter(t)

	status, resp := do(t, r, http.MethodPost, "/api/conversations", map[string]string{"title": "Planning"})
	require.Equal(t, http.StatusOK, status)
	var conv db.Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.Equal(t, "bench", conv.ProviderID)

	status, resp = do(t, r, http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		map[string]string{"role": "user", "body": "hello there"})
	require.Equal(t, http.StatusOK, status)
	var appended service.AppendResult
	require.NoError(t, json.Unmarshal(resp.Data, &appended))
	assert.False(t, appended.Rolled)
	assert.Equal(t, int64(4096), appended.ContextWindow)

	status, resp = do(t, r, http.MethodPost, "/api/conversations/"+conv.ID+"/rollover", nil)
	require.Equal(t, http.StatusOK, status)
	var outcome service.RolloverOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &outcome))
	assert.True(t, outcome.Rolled)
	assert.True(t, strings.HasPrefix(outcome.Summary.Body, "Recap."))

	status, resp = do(t, r, http.MethodPost, "/api/conversations/"+conv.ID+"/messages",
		map[string]string{"role": "user", "body": "too late"})
	assert.Equal(t, http.StatusConflict, status)
	var detail struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, service.CodeConversationClosed, detail.Code)

	status, resp = do(t, r, http.MethodGet, "/api/links/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, status)
	var links []db.Link
	require.NoError(t, json.Unmarshal(resp.Data, &links))
	require.Len(t, links, 1)
	assert.Equal(t, db.RelationSummarisedAs, links[0].Relation)
}

func TestConversationRoutes_Errors(t *testing.T) {
	r := newConversationRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown conversation", method: http.MethodGet, path: "/api/conversations/missing", want: http.StatusNotFound},
		{name: "missing body", method: http.MethodPost, path: "/api/conversations/missing/messages", body: map[string]string{"role": "user"}, want: http.StatusBadRequest},
		{name: "append to unknown", method: http.MethodPost, path: "/api/conversations/missing/messages", body: map[string]string{"role": "user", "body": "x"}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status)
		})
	}
}
