package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	summaryModule      = "ai.summary"
	summaryInsertTries = 3
	summarizerPrompt   = "You are the InkOS summariser. Write a concise, factual summary of the material below " +
		"that highlights key actions, decisions and next steps. Keep the tone warm yet professional, " +
		"group related points together and do not use markdown."
)

// SummaryOptions tune how the summarizer calls the gateway.
type SummaryOptions struct {
	PreferLocal bool
	Temperature float32
}

// SummaryService is the content-addressed summary cache. A summary is
// generated at most once per (subject type, subject id, source hash).
type SummaryService struct {
	db        *gorm.DB
	chat      ChatClient
	settings  *SettingsService
	lookaside SummaryLookaside
	recorder  event.Recorder
	emitter   *event.Emitter
	metrics   *Metrics
	opts      SummaryOptions
	logger    *slog.Logger
}

// NewSummaryService creates the summary cache. A nil lookaside disables it.
func NewSummaryService(database *gorm.DB, chat ChatClient, settings *SettingsService, lookaside SummaryLookaside,
	recorder event.Recorder, emitter *event.Emitter, metrics *Metrics, opts SummaryOptions) *SummaryService {
	if lookaside == nil {
		lookaside = NoLookaside
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.2
	}
	return &SummaryService{
		db:        database,
		chat:      chat,
		settings:  settings,
		lookaside: lookaside,
		recorder:  recorder,
		emitter:   emitter,
		metrics:   metrics,
		opts:      opts,
		logger:    utils.GetLogger(),
	}
}

// SourceHash is the cache key of an excerpt set: sha256 over the excerpts
// concatenated in order.
func SourceHash(excerpts []string) string {
	h := sha256.New()
	for _, e := range excerpts {
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Summarize returns the cached summary for the excerpt set or generates a
// new version. Gateway failures degrade to storing the excerpts verbatim.
func (s *SummaryService) Summarize(ctx context.Context, subjectType, subjectID string, excerpts []string) (*db.Summary, error) {
	subjectType = strings.TrimSpace(subjectType)
	subjectID = strings.TrimSpace(subjectID)
	if subjectType == "" || subjectID == "" {
		return nil, invalidArgument("subject_type and subject_id are required")
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.draft(ctx, settings, subjectType, subjectID, excerpts)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, s.db.WithContext(ctx), d, true)
}

// summaryDraft is a summary prepared before the store write that keeps it.
// cached is set when the committed store already holds the excerpt set.
type summaryDraft struct {
	subjectType string
	subjectID   string
	hash        string
	body        string
	modelID     *string
	failure     string
	cached      *db.Summary
}

func (d *summaryDraft) key() string {
	return d.subjectType + ":" + d.subjectID + ":" + d.hash
}

// draft resolves the excerpt set against committed summaries and asks the
// gateway on a miss. It must not run inside a store transaction: the
// gateway may take as long as the provider needs.
func (s *SummaryService) draft(ctx context.Context, settings RolloverSettings,
	subjectType, subjectID string, excerpts []string) (*summaryDraft, error) {
	d := &summaryDraft{subjectType: subjectType, subjectID: subjectID, hash: SourceHash(excerpts)}

	if cached, ok := s.lookaside.Get(ctx, d.key()); ok {
		cached.Reused = true
		d.cached = cached
		return d, nil
	}
	existing, err := findSummaryByHash(s.db.WithContext(ctx), subjectType, subjectID, d.hash)
	if err != nil {
		return nil, storeFailure(err, "find cached summary")
	}
	if existing != nil {
		d.cached = existing
		return d, nil
	}
	d.body, d.modelID, d.failure = s.generate(ctx, settings, strings.Join(excerpts, "\n\n"))
	return d, nil
}

// fallbackDraft stores the excerpts verbatim without asking the gateway.
func fallbackDraft(subjectType, subjectID string, excerpts []string, reason string) *summaryDraft {
	return &summaryDraft{
		subjectType: subjectType,
		subjectID:   subjectID,
		hash:        SourceHash(excerpts),
		body:        strings.Join(excerpts, "\n\n"),
		failure:     reason,
	}
}

// persist writes d through tx, which may be an open transaction. remember
// controls whether the result is published to the lookaside, which must
// only see committed rows.
func (s *SummaryService) persist(ctx context.Context, tx *gorm.DB, d *summaryDraft, remember bool) (*db.Summary, error) {
	if d.cached != nil {
		if remember {
			s.lookaside.Set(ctx, d.key(), d.cached)
		}
		s.metrics.summary(SummaryReused)
		return d.cached, nil
	}
	existing, err := findSummaryByHash(tx, d.subjectType, d.subjectID, d.hash)
	if err != nil {
		return nil, storeFailure(err, "find cached summary")
	}
	if existing != nil {
		if remember {
			s.lookaside.Set(ctx, d.key(), existing)
		}
		s.metrics.summary(SummaryReused)
		return existing, nil
	}

	summary, reused, err := insertSummary(tx, d.subjectType, d.subjectID, d.hash, d.body, d.modelID)
	if err != nil {
		return nil, storeFailure(err, "insert summary")
	}
	if remember {
		s.lookaside.Set(ctx, d.key(), summary)
	}
	if reused {
		s.metrics.summary(SummaryReused)
		return summary, nil
	}

	data := map[string]any{"subject_type": d.subjectType, "subject_id": d.subjectID, "summary_id": summary.ID}
	if d.failure != "" {
		data["error"] = d.failure
		s.metrics.summary(SummaryFallback)
		s.recorder.Record(ctx, event.Entry{
			Level:   db.LevelWarn,
			Code:    "AI-SUMMARY-ERR",
			Module:  summaryModule,
			Message: "AI summarisation failed",
			Explain: "Falling back to deterministic text",
			Data:    data,
		})
	} else {
		data["model"] = *d.modelID
		s.metrics.summary(SummaryGenerated)
		s.recorder.Record(ctx, event.Entry{
			Level:   db.LevelInfo,
			Code:    "AI-SUMMARY",
			Module:  summaryModule,
			Message: "Summary generated",
			Explain: "Cached for future reuse",
			Data:    data,
		})
	}
	if remember {
		s.emitter.Emit(event.SummaryStoredEvent{
			SummaryID:   summary.ID,
			SubjectType: d.subjectType,
			SubjectID:   d.subjectID,
			Version:     summary.Version,
		})
	}
	return summary, nil
}

// generate asks the gateway for a summary. On failure or empty output it
// returns the prompt itself, no model id and the reason.
func (s *SummaryService) generate(ctx context.Context, settings RolloverSettings, prompt string) (string, *string, string) {
	temperature := s.opts.Temperature
	resp, err := s.chat.Chat(ctx, ChatRequest{
		Input: ChatInput{
			Messages: []ChatMessage{
				{Role: db.RoleSystem, Content: summarizerPrompt},
				{Role: db.RoleUser, Content: prompt},
			},
			Temperature: &temperature,
		},
		ModelOverride: settings.SummarizerModel,
		PreferLocal:   s.opts.PreferLocal,
	})
	if err != nil {
		s.logger.Warn("summary generation failed, storing excerpts", "error", err)
		return prompt, nil, err.Error()
	}
	body := strings.TrimSpace(resp.Content)
	if body == "" {
		return prompt, nil, "AI returned empty output"
	}
	model := resp.Model
	return body, &model, ""
}

// Fetch returns a summary by id.
func (s *SummaryService) Fetch(ctx context.Context, id string) (*db.Summary, error) {
	var summary db.Summary
	if err := s.db.WithContext(ctx).First(&summary, "id = ?", id).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, newError(ErrNotFound, CodeSummaryNotFound, "The summary does not exist.",
				fmt.Errorf("summary %s", id))
		}
		return nil, storeFailure(err, "fetch summary")
	}
	return &summary, nil
}

// List returns every version for a subject, newest first.
func (s *SummaryService) List(ctx context.Context, subjectType, subjectID string) ([]db.Summary, error) {
	if subjectType == "" || subjectID == "" {
		return nil, invalidArgument("subject_type and subject_id are required")
	}
	var rows []db.Summary
	err := s.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subjectType, subjectID).
		Order("version DESC").
		Find(&rows).Error
	if err != nil {
		return nil, storeFailure(err, "list summaries")
	}
	return rows, nil
}

func findSummaryByHash(tx *gorm.DB, subjectType, subjectID, hash string) (*db.Summary, error) {
	var rows []db.Summary
	err := tx.Where("subject_type = ? AND subject_id = ? AND source_hash = ?", subjectType, subjectID, hash).
		Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	rows[0].Reused = true
	return &rows[0], nil
}

// insertSummary writes the next version inside a savepoint. When a
// concurrent writer wins the unique index, the row it wrote is returned as
// reused, or the version is recomputed and the insert retried.
func insertSummary(tx *gorm.DB, subjectType, subjectID, hash, body string, modelID *string) (*db.Summary, bool, error) {
	var lastErr error
	for range summaryInsertTries {
		row := db.Summary{
			ID:          uuid.NewString(),
			SubjectType: subjectType,
			SubjectID:   subjectID,
			Body:        body,
			TokenEst:    EstimateTokens(body),
			SourceHash:  hash,
			ModelID:     modelID,
			CreatedAt:   time.Now().UTC(),
		}
		lastErr = tx.Transaction(func(inner *gorm.DB) error {
			var next int
			if err := inner.Model(&db.Summary{}).
				Where("subject_type = ? AND subject_id = ?", subjectType, subjectID).
				Select("COALESCE(MAX(version), 0) + 1").
				Scan(&next).Error; err != nil {
				return err
			}
			row.Version = next
			return inner.Create(&row).Error
		})
		if lastErr == nil {
			return &row, false, nil
		}
		existing, err := findSummaryByHash(tx, subjectType, subjectID, hash)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}
	return nil, false, lastErr
}
