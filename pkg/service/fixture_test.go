package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/choraleia/inkos/pkg/config"
	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testProvider has no ctx tag, so its window is the 4096 default.
const (
	testProviderID = "bench"
	testModel      = "bench-small"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.Open("sqlite", filepath.Join(t.TempDir(), "inkos.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database))
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return database
}

// memRecorder keeps entries in memory.
type memRecorder struct {
	mu      sync.Mutex
	entries []event.Entry
}

func (r *memRecorder) Record(_ context.Context, e event.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *memRecorder) count(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Code == code {
			n++
		}
	}
	return n
}

// fakeChat answers every request with reply, or fails with err. After
// hold, each call waits until the returned release channel is closed.
type fakeChat struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   []ChatRequest
	entered chan struct{}
	release chan struct{}
}

func (f *fakeChat) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	reply, err := f.reply, f.err
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &ChatResponse{ProviderID: testProviderID, Model: testModel, Content: reply}, nil
}

// hold makes later calls block. entered receives once a call is waiting.
func (f *fakeChat) hold() (entered <-chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan struct{}, 1)
	f.release = make(chan struct{})
	return f.entered, f.release
}

func (f *fakeChat) prompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.calls[i].Input.Messages
	return msgs[len(msgs)-1].Content
}

func (f *fakeChat) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.err = reply, err
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var errGatewayDown = errors.New("gateway down")

type testEnv struct {
	db            *gorm.DB
	recorder      *memRecorder
	emitter       *event.Emitter
	metrics       *Metrics
	chat          *fakeChat
	providers     *ProviderService
	settings      *SettingsService
	summaries     *SummaryService
	conversations *ConversationService
	queue         *JobQueue
	digest        *DigestJob
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	database := newTestDB(t)
	rec := &memRecorder{}
	emitter := event.NewEmitter()
	metrics := NewMetrics(prometheus.NewRegistry())
	chat := &fakeChat{reply: "A tidy summary."}

	local := false
	providers := NewProviderService(database, []config.ProviderConfig{{
		ID:             testProviderID,
		Kind:           db.ProviderLocal,
		Driver:         "ollama",
		DefaultModel:   testModel,
		Models:         []string{testModel},
		RequiresAPIKey: &local,
	}}, rec, emitter)
	providers.getenv = func(string) string { return "" }
	require.NoError(t, providers.Seed(ctx))
	_, err := providers.UpdateAISettings(ctx, AISettingsUpdate{ProviderID: testProviderID})
	require.NoError(t, err)

	settings := NewSettingsService(database, RolloverSettings{WarnRatio: 0.75, ForceRatio: 0.9}, rec, emitter)
	summaries := NewSummaryService(database, chat, settings, NoLookaside, rec, emitter, metrics, SummaryOptions{})
	conversations := NewConversationService(database, providers, summaries, settings, rec, emitter, metrics,
		ConversationOptions{TailSize: 4})
	queue := NewJobQueue(database, rec, emitter, metrics)
	digest := NewDigestJob(database, summaries, rec, emitter)
	queue.Register(digest)

	return &testEnv{
		db:            database,
		recorder:      rec,
		emitter:       emitter,
		metrics:       metrics,
		chat:          chat,
		providers:     providers,
		settings:      settings,
		summaries:     summaries,
		conversations: conversations,
		queue:         queue,
		digest:        digest,
	}
}

func (e *testEnv) newScheduler(t *testing.T, now time.Time) *Scheduler {
	t.Helper()
	pool := NewTaskService(1, e.emitter)
	s, err := NewScheduler(e.queue, pool, e.recorder, SchedulerOptions{Tick: time.Hour, AbandonedAfter: time.Minute})
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = pool.Shutdown(ctx)
	})
	return s
}

// seedTokens appends body as user messages directly, bypassing rollover.
func (e *testEnv) seedTokens(t *testing.T, conversationID string, bodies ...string) {
	t.Helper()
	for _, b := range bodies {
		_, err := insertMessage(e.db, conversationID, db.RoleUser, b)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
}
