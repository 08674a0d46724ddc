package service

import (
	"context"
	"strings"
	"testing"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hundred estimates at exactly 100 tokens.
var hundred = strings.Repeat("x", 400)

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestCreateConversation_BindsActiveProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "  Planning  ", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Planning", conv.Title)
	assert.Equal(t, testProviderID, conv.ProviderID)
	assert.Equal(t, testModel, conv.ModelID)
	assert.False(t, conv.CtxWarn)
	assert.False(t, conv.CtxForce)

	got, err := env.conversations.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.TotalTokens)
}

func TestAppend_RollsOverPastForceThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var rolled []event.ConversationRolledOverEvent
	env.emitter.On(event.ConversationRolledOver, func(ev event.Event) {
		rolled = append(rolled, ev.(event.ConversationRolledOverEvent))
	})

	conv, err := env.conversations.CreateConversation(ctx, "Long thread", "", "")
	require.NoError(t, err)
	env.seedTokens(t, conv.ID, repeat(hundred, 37)...)

	res, err := env.conversations.AppendAndMaybeRollover(ctx, conv.ID, db.RoleUser, strings.Repeat("y", 200))
	require.NoError(t, err)

	assert.Equal(t, int64(4096), res.ContextWindow)
	assert.Equal(t, int64(3750), res.TotalTokens)
	assert.True(t, res.Warn)
	assert.True(t, res.Force)
	assert.True(t, res.Rolled)
	require.NotNil(t, res.NewConversation)
	require.NotNil(t, res.Summary)
	assert.NotEqual(t, conv.ID, res.NewConversation.ID)
	assert.Equal(t, conv.Title, res.NewConversation.Title)
	assert.Equal(t, db.SubjectConversation, res.Summary.SubjectType)
	assert.Equal(t, conv.ID, res.Summary.SubjectID)

	old, err := env.conversations.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, old.CtxWarn)
	assert.True(t, old.CtxForce)
	assert.NotNil(t, old.ClosedAt)

	seed, err := env.conversations.ListMessages(ctx, res.NewConversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, seed, 1)
	assert.Equal(t, db.RoleSystem, seed[0].Role)
	assert.Equal(t, "Summary of previous thread:\nA tidy summary.", seed[0].Body)

	links, err := env.conversations.ListLinks(ctx, res.Summary.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	relations := map[string]db.Link{}
	for _, l := range links {
		relations[l.Relation] = l
	}
	assert.Equal(t, conv.ID, relations[db.RelationSummarisedAs].SrcID)
	assert.Equal(t, res.NewConversation.ID, relations[db.RelationRolloverTo].DstID)

	assert.Equal(t, 1, env.recorder.count("AI-CTX-WARN"))
	assert.Equal(t, 1, env.recorder.count("AI-CTX-ROLLOVER"))
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Rollovers), 0)
	require.Len(t, rolled, 1)
	assert.Equal(t, res.Summary.ID, rolled[0].SummaryID)

	// The triggering message stays in the closed conversation.
	msgs, err := env.conversations.ListMessages(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.Message.ID, msgs[0].ID)
}

func TestAppend_WarnsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)
	env.seedTokens(t, conv.ID, repeat(hundred, 31)...)

	first, err := env.conversations.AppendAndMaybeRollover(ctx, conv.ID, db.RoleUser, "still going")
	require.NoError(t, err)
	assert.True(t, first.Warn)
	assert.False(t, first.Force)
	assert.False(t, first.Rolled)
	assert.Nil(t, first.NewConversation)

	second, err := env.conversations.AppendAndMaybeRollover(ctx, conv.ID, db.RoleAssistant, "noted")
	require.NoError(t, err)
	assert.True(t, second.Warn)
	assert.False(t, second.Rolled)

	assert.Equal(t, 1, env.recorder.count("AI-CTX-WARN"))
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.ContextWarnings), 0)
}

func TestAppend_BelowThresholds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)

	res, err := env.conversations.AppendAndMaybeRollover(ctx, conv.ID, db.RoleUser, "hello world")
	require.NoError(t, err)
	assert.False(t, res.Warn)
	assert.False(t, res.Force)
	assert.Equal(t, int64(3), res.TotalTokens)
	assert.Equal(t, int64(3), res.Message.TokenEst)
	assert.Zero(t, env.chat.callCount())
}

func TestAppend_RejectsClosedAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)
	_, err = env.conversations.Rollover(ctx, conv.ID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		id       string
		role     string
		body     string
		wantKind error
		wantCode string
	}{
		{name: "closed", id: conv.ID, role: db.RoleUser, body: "hi", wantKind: ErrAlreadyClosed, wantCode: CodeConversationClosed},
		{name: "unknown", id: "missing", role: db.RoleUser, body: "hi", wantKind: ErrNotFound, wantCode: CodeConversationNotFound},
		{name: "bad role", id: conv.ID, role: "tool", body: "hi", wantKind: ErrInvalidArgument, wantCode: CodeInvalidArgument},
		{name: "empty body", id: conv.ID, role: db.RoleUser, body: "  ", wantKind: ErrInvalidArgument, wantCode: CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.conversations.AppendAndMaybeRollover(ctx, tt.id, tt.role, tt.body)
			require.ErrorIs(t, err, tt.wantKind)
			code, _ := CodeOf(err)
			assert.Equal(t, tt.wantCode, code)
		})
	}

	// Nothing was written to the closed conversation.
	msgs, err := env.conversations.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRollover_Manual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "Short", "", "")
	require.NoError(t, err)
	_, err = env.conversations.AppendAndMaybeRollover(ctx, conv.ID, db.RoleUser, "first point")
	require.NoError(t, err)

	out, err := env.conversations.Rollover(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, out.Rolled)
	assert.Equal(t, conv.ID, out.PreviousConversationID)
	assert.Equal(t, testProviderID, out.NewConversation.ProviderID)
	assert.Greater(t, out.NewConversation.TotalTokens, int64(0))

	_, err = env.conversations.Rollover(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	// The successor is open and accepts messages.
	res, err := env.conversations.AppendAndMaybeRollover(ctx, out.NewConversation.ID, db.RoleUser, "continuing")
	require.NoError(t, err)
	assert.False(t, res.Rolled)
}

func TestRollover_GatewayFailureStillRolls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chat.set("", errGatewayDown)

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)
	env.seedTokens(t, conv.ID, "one", "two")

	out, err := env.conversations.Rollover(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Summary.ModelID)
	assert.Equal(t, "user: one\n\nuser: two", out.Summary.Body)
	assert.Equal(t, 1, env.recorder.count("AI-SUMMARY-ERR"))
}

func TestSetConversationModel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)

	updated, err := env.conversations.SetConversationModel(ctx, conv.ID, "ollama", "qwen2.5")
	require.NoError(t, err)
	assert.Equal(t, "ollama", updated.ProviderID)
	assert.Equal(t, "qwen2.5", updated.ModelID)
	assert.Equal(t, 1, env.recorder.count("AI-SET-MODEL"))

	_, err = env.conversations.Rollover(ctx, conv.ID)
	require.NoError(t, err)
	_, err = env.conversations.SetConversationModel(ctx, conv.ID, "ollama", "")
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	_, err = env.conversations.SetConversationModel(ctx, "missing", "ollama", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations_IncludesTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.conversations.CreateConversation(ctx, "a", "", "")
	require.NoError(t, err)
	b, err := env.conversations.CreateConversation(ctx, "b", "", "")
	require.NoError(t, err)
	env.seedTokens(t, a.ID, hundred, hundred)

	convs, err := env.conversations.ListConversations(ctx, 0)
	require.NoError(t, err)
	totals := map[string]int64{}
	for _, c := range convs {
		totals[c.ID] = c.TotalTokens
	}
	assert.Equal(t, int64(200), totals[a.ID])
	assert.Equal(t, int64(0), totals[b.ID])
}

func TestSummarizeConversation_IsCached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)
	env.seedTokens(t, conv.ID, "one", "two")

	first, err := env.conversations.SummarizeConversation(ctx, conv.ID)
	require.NoError(t, err)
	second, err := env.conversations.SummarizeConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.chat.callCount())

	// The conversation stays open.
	got, err := env.conversations.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.Closed())
}
