package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func awaitRollover(t *testing.T, done <-chan rolloverResult) rolloverResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("rollover did not finish")
		return rolloverResult{}
	}
}

type rolloverResult struct {
	out *RolloverOutcome
	err error
}

func TestRollover_GatewayWaitDoesNotBlockOtherWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.conversations.CreateConversation(ctx, "Slow", "", "")
	require.NoError(t, err)
	b, err := env.conversations.CreateConversation(ctx, "Busy", "", "")
	require.NoError(t, err)
	env.seedTokens(t, a.ID, "one", "two")

	entered, release := env.chat.hold()
	done := make(chan rolloverResult, 1)
	go func() {
		out, err := env.conversations.Rollover(ctx, a.ID)
		done <- rolloverResult{out, err}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway was never called")
	}

	// While the gateway is answering, other conversations and the job queue
	// keep writing.
	start := time.Now()
	res, err := env.conversations.AppendAndMaybeRollover(ctx, b.ID, db.RoleUser, "still moving")
	require.NoError(t, err)
	assert.False(t, res.Rolled)
	_, err = env.queue.Enqueue(ctx, "ping", nil, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	close(release)
	r := awaitRollover(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.out.Rolled)
	assert.Equal(t, 1, env.chat.callCount())

	old, err := env.conversations.GetConversation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, old.CtxForce)
}

func TestRollover_RedraftsWhenHistoryChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.conversations.CreateConversation(ctx, "", "", "")
	require.NoError(t, err)
	env.seedTokens(t, conv.ID, "one", "two")

	entered, release := env.chat.hold()
	done := make(chan rolloverResult, 1)
	go func() {
		out, err := env.conversations.Rollover(ctx, conv.ID)
		done <- rolloverResult{out, err}
	}()
	<-entered

	_, err = env.conversations.AppendAndMaybeRollover(ctx, conv.ID, db.RoleUser, "late arrival")
	require.NoError(t, err)
	close(release)

	r := awaitRollover(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 2, env.chat.callCount())
	assert.Contains(t, env.chat.prompt(1), "user: late arrival")
	assert.Equal(t, SourceHash([]string{"user: one", "user: two", "user: late arrival"}), r.out.Summary.SourceHash)
	require.NotNil(t, r.out.Summary.ModelID)

	var versions int64
	require.NoError(t, env.db.Model(&db.Summary{}).Where("subject_id = ?", conv.ID).Count(&versions).Error)
	assert.Equal(t, int64(1), versions)
}

func TestRollover_RollsBackAsAUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A durable recorder, so events written for rolled-back work would show up
	// in event_log.
	rec := event.NewLogRecorder(env.db, env.emitter, utils.GetLogger())
	summaries := NewSummaryService(env.db, env.chat, env.settings, NoLookaside, rec, env.emitter, env.metrics, SummaryOptions{})
	conversations := NewConversationService(env.db, env.providers, summaries, env.settings, rec, env.emitter, env.metrics,
		ConversationOptions{TailSize: 4})

	conv, err := conversations.CreateConversation(ctx, "Fragile", "", "")
	require.NoError(t, err)
	env.seedTokens(t, conv.ID, "one", "two")

	const failLinks = "inkos:test:fail_links"
	require.NoError(t, env.db.Callback().Create().Before("gorm:create").Register(failLinks, func(tx *gorm.DB) {
		if tx.Statement.Table == "links" {
			_ = tx.AddError(errors.New("links unavailable"))
		}
	}))

	_, err = conversations.Rollover(ctx, conv.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreFailure)

	count := func(model any, where ...any) int64 {
		t.Helper()
		var n int64
		q := env.db.Model(model)
		if len(where) > 0 {
			q = q.Where(where[0], where[1:]...)
		}
		require.NoError(t, q.Count(&n).Error)
		return n
	}
	assert.Equal(t, int64(1), count(&db.Conversation{}))
	assert.Equal(t, int64(0), count(&db.Summary{}))
	assert.Equal(t, int64(0), count(&db.Link{}))
	assert.Equal(t, int64(2), count(&db.Message{}))
	assert.Equal(t, int64(0), count(&db.EventLog{}, "code IN ?", []string{"AI-SUMMARY", "AI-CTX-ROLLOVER"}))

	old, err := conversations.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, old.CtxForce)
	assert.Nil(t, old.ClosedAt)

	require.NoError(t, env.db.Callback().Create().Remove(failLinks))

	out, err := conversations.Rollover(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary.Version)
	assert.Equal(t, int64(2), count(&db.Link{}))
	assert.Equal(t, int64(1), count(&db.EventLog{}, "code = ?", "AI-SUMMARY"))
	assert.Equal(t, int64(1), count(&db.EventLog{}, "code = ?", "AI-CTX-ROLLOVER"))
}

func TestRollover_EmptyConversation(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		err       error
		wantBody  string
		wantModel bool
	}{
		{name: "gateway answers", reply: "Nothing was said.", wantBody: "Nothing was said.", wantModel: true},
		{name: "gateway down", err: errGatewayDown, wantBody: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.chat.set(tt.reply, tt.err)

			conv, err := env.conversations.CreateConversation(ctx, "", "", "")
			require.NoError(t, err)

			out, err := env.conversations.Rollover(ctx, conv.ID)
			require.NoError(t, err)
			assert.True(t, out.Rolled)
			assert.Equal(t, 1, out.Summary.Version)
			assert.Equal(t, tt.wantBody, out.Summary.Body)
			assert.Equal(t, SourceHash(nil), out.Summary.SourceHash)
			assert.Equal(t, tt.wantModel, out.Summary.ModelID != nil)

			seed, err := env.conversations.ListMessages(ctx, out.NewConversation.ID, 0)
			require.NoError(t, err)
			require.Len(t, seed, 1)
			assert.Equal(t, rolloverSeedPrefix+tt.wantBody, seed[0].Body)

			old, err := env.conversations.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.True(t, old.Closed())
		})
	}
}
