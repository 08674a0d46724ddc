package service

import (
	"context"
	"errors"
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
	contextModule      = "ai.context"
	rolloverSeedPrefix = "Summary of previous thread:\n"
	rolloverAttempts   = 3
)

// errStaleDraft aborts a rollover transaction whose summary was drafted from
// a history that has since changed.
var errStaleDraft = errors.New("conversation changed while its summary was drafted")

// AppendResult reports the state of a conversation after an append.
type AppendResult struct {
	Message         db.Message       `json:"message"`
	Warn            bool             `json:"warn"`
	Force           bool             `json:"force"`
	Rolled          bool             `json:"rolled"`
	TotalTokens     int64            `json:"total_tokens"`
	ContextWindow   int64            `json:"context_window"`
	NewConversation *db.Conversation `json:"new_conversation,omitempty"`
	Summary         *db.Summary      `json:"summary,omitempty"`
}

// RolloverOutcome is the result of closing a conversation into a new one.
type RolloverOutcome struct {
	Rolled                 bool             `json:"rolled"`
	PreviousConversationID string           `json:"previous_conversation_id"`
	NewConversation        *db.Conversation `json:"new_conversation"`
	Summary                *db.Summary      `json:"summary"`
}

// ConversationOptions tune the rollover engine.
type ConversationOptions struct {
	TailSize    int
	PreferLocal bool
}

// ConversationService is the rollover engine. It keeps every conversation
// under its provider's context budget by summarizing and continuing in a new
// conversation once the force threshold is crossed.
type ConversationService struct {
	db        *gorm.DB
	providers *ProviderService
	summaries *SummaryService
	settings  *SettingsService
	recorder  event.Recorder
	emitter   *event.Emitter
	metrics   *Metrics
	opts      ConversationOptions
	logger    *slog.Logger
}

// NewConversationService creates the rollover engine.
func NewConversationService(database *gorm.DB, providers *ProviderService, summaries *SummaryService, settings *SettingsService,
	recorder event.Recorder, emitter *event.Emitter, metrics *Metrics, opts ConversationOptions) *ConversationService {
	if opts.TailSize <= 0 {
		opts.TailSize = 12
	}
	return &ConversationService{
		db:        database,
		providers: providers,
		summaries: summaries,
		settings:  settings,
		recorder:  recorder,
		emitter:   emitter,
		metrics:   metrics,
		opts:      opts,
		logger:    utils.GetLogger(),
	}
}

// CreateConversation opens a conversation bound to the resolved provider.
func (s *ConversationService) CreateConversation(ctx context.Context, title, providerOverride, modelOverride string) (*db.Conversation, error) {
	sel, err := s.providers.ResolveWithFallback(ctx, providerOverride, modelOverride, s.opts.PreferLocal)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	conv := db.Conversation{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(title),
		ProviderID: sel.Provider.ID,
		ModelID:    sel.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, storeFailure(err, "create conversation")
	}
	s.logger.Info("Conversation created", "id", conv.ID, "provider", conv.ProviderID, "model", conv.ModelID)
	s.emitter.Emit(event.ConversationCreatedEvent{ConversationID: conv.ID})
	return &conv, nil
}

// GetConversation returns a conversation with its token total.
func (s *ConversationService) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	tx := s.db.WithContext(ctx)
	conv, err := findConversation(tx, id)
	if err != nil {
		return nil, err
	}
	if conv.TotalTokens, err = sumTokens(tx, id); err != nil {
		return nil, storeFailure(err, "sum conversation tokens")
	}
	return conv, nil
}

// ListConversations returns conversations by most recent activity.
func (s *ConversationService) ListConversations(ctx context.Context, limit int) ([]db.Conversation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	tx := s.db.WithContext(ctx)
	var convs []db.Conversation
	if err := tx.Order("updated_at DESC").Limit(limit).Find(&convs).Error; err != nil {
		return nil, storeFailure(err, "list conversations")
	}
	if len(convs) == 0 {
		return convs, nil
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	var totals []struct {
		ConversationID string
		Total          int64
	}
	if err := tx.Model(&db.Message{}).
		Select("conversation_id, COALESCE(SUM(token_est), 0) AS total").
		Where("conversation_id IN ?", ids).
		Group("conversation_id").
		Scan(&totals).Error; err != nil {
		return nil, storeFailure(err, "sum conversation tokens")
	}
	byID := make(map[string]int64, len(totals))
	for _, t := range totals {
		byID[t.ConversationID] = t.Total
	}
	for i := range convs {
		convs[i].TotalTokens = byID[convs[i].ID]
	}
	return convs, nil
}

// ListMessages returns messages in chronological order. A positive limit
// keeps only the most recent ones.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	tx := s.db.WithContext(ctx)
	if _, err := findConversation(tx, conversationID); err != nil {
		return nil, err
	}
	history, err := loadHistory(tx, conversationID)
	if err != nil {
		return nil, storeFailure(err, "list messages")
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// SetConversationModel rebinds an open conversation to another provider/model.
func (s *ConversationService) SetConversationModel(ctx context.Context, id, providerOverride, modelOverride string) (*db.Conversation, error) {
	sel, err := s.providers.ResolveWithFallback(ctx, providerOverride, modelOverride, s.opts.PreferLocal)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND ctx_force = ?", id, false).
		Updates(map[string]any{
			"provider_id": sel.Provider.ID,
			"model_id":    sel.Model,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, storeFailure(res.Error, "update conversation model")
	}
	if res.RowsAffected == 0 {
		conv, err := findConversation(s.db.WithContext(ctx), id)
		if err != nil {
			return nil, err
		}
		if conv.Closed() {
			return nil, conversationClosed(id)
		}
	}
	s.recorder.Record(ctx, event.Entry{
		Level:   db.LevelInfo,
		Code:    "AI-SET-MODEL",
		Module:  contextModule,
		Message: "Conversation model updated",
		Explain: "Provider/model override applied",
		Data:    map[string]any{"conversation_id": id, "provider": sel.Provider.ID, "model": sel.Model},
	})
	return s.GetConversation(ctx, id)
}

// SummarizeConversation summarizes the tail of a conversation without
// rolling it over.
func (s *ConversationService) SummarizeConversation(ctx context.Context, id string) (*db.Summary, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx)
	if _, err := findConversation(tx, id); err != nil {
		return nil, err
	}
	history, err := loadHistory(tx, id)
	if err != nil {
		return nil, storeFailure(err, "list messages")
	}
	excerpts := selectExcerpts(history, nil, s.opts.TailSize)
	d, err := s.summaries.draft(ctx, settings, db.SubjectConversation, id, excerpts)
	if err != nil {
		return nil, err
	}
	return s.summaries.persist(ctx, tx, d, true)
}

// ListLinks returns provenance links touching an entity, oldest first.
func (s *ConversationService) ListLinks(ctx context.Context, entityID string) ([]db.Link, error) {
	var links []db.Link
	err := s.db.WithContext(ctx).
		Where("src_id = ? OR dst_id = ?", entityID, entityID).
		Order("created_at ASC").
		Find(&links).Error
	if err != nil {
		return nil, storeFailure(err, "list links")
	}
	return links, nil
}

// AppendAndMaybeRollover stores a message, raises the one-time warning when
// the warn threshold is crossed and rolls the conversation over when the
// force threshold is crossed. Everything commits in one transaction. The
// rollover summary is drafted before that transaction opens.
func (s *ConversationService) AppendAndMaybeRollover(ctx context.Context, conversationID, role, body string) (*AppendResult, error) {
	if !db.ValidRole(role) {
		return nil, invalidArgument("role must be one of system, user, assistant")
	}
	if strings.TrimSpace(body) == "" {
		return nil, invalidArgument("message body is required")
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := s.providers.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result *AppendResult
		warned bool
	)
	for attempt := 1; ; attempt++ {
		draft, err := s.draftForAppend(ctx, catalog, settings, conversationID, role, body)
		if err != nil {
			return nil, err
		}
		result, warned, err = s.appendOnce(ctx, catalog, settings, conversationID, role, body, draft, attempt == rolloverAttempts)
		if errors.Is(err, errStaleDraft) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	s.emitter.Emit(event.MessageAppendedEvent{ConversationID: conversationID, MessageID: result.Message.ID})
	if warned {
		s.metrics.contextWarning()
		s.emitter.Emit(event.ConversationWarnedEvent{
			ConversationID: conversationID,
			TotalTokens:    result.TotalTokens,
			Window:         result.ContextWindow,
		})
	}
	if result.Rolled {
		s.rolledOver(conversationID, result.NewConversation, result.Summary)
	}
	return result, nil
}

func (s *ConversationService) appendOnce(ctx context.Context, catalog *ProviderCatalog, settings RolloverSettings,
	conversationID, role, body string, draft *summaryDraft, last bool) (*AppendResult, bool, error) {
	ctx, flush := event.Defer(ctx, s.recorder)

	var result AppendResult
	var warned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := lockConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Closed() {
			return conversationClosed(conversationID)
		}

		msg, err := insertMessage(tx, conversationID, role, body)
		if err != nil {
			return err
		}
		total, err := sumTokens(tx, conversationID)
		if err != nil {
			return err
		}
		window := catalog.ContextWindow(conv.ProviderID, conv.ModelID)
		warnAt := thresholdOf(window, settings.WarnRatio)
		forceAt := thresholdOf(window, settings.ForceRatio)

		result = AppendResult{Message: *msg, Warn: conv.CtxWarn, TotalTokens: total, ContextWindow: window}
		if total >= warnAt && !conv.CtxWarn {
			if err := tx.Model(&db.Conversation{}).Where("id = ?", conv.ID).Update("ctx_warn", true).Error; err != nil {
				return err
			}
			conv.CtxWarn = true
			result.Warn = true
			warned = true
			s.recorder.Record(ctx, event.Entry{
				Level:   db.LevelWarn,
				Code:    "AI-CTX-WARN",
				Module:  contextModule,
				Message: "Conversation approaching context limit",
				Explain: "A warning banner should be shown in the UI.",
				Data:    map[string]any{"conversation_id": conv.ID, "total_tokens": total, "threshold": warnAt},
			})
		}
		if total < forceAt {
			return nil
		}

		outcome, err := s.performRollover(ctx, tx, catalog, conv, msg, draft, last)
		if err != nil {
			return err
		}
		result.Force = true
		result.Rolled = true
		result.NewConversation = outcome.NewConversation
		result.Summary = outcome.Summary
		return nil
	})
	flush(err == nil)
	if errors.Is(err, errStaleDraft) {
		return nil, false, err
	}
	if err != nil {
		return nil, false, storeFailure(err, "append message")
	}
	return &result, warned, nil
}

// Rollover closes a conversation regardless of its token total.
func (s *ConversationService) Rollover(ctx context.Context, conversationID string) (*RolloverOutcome, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := s.providers.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	var outcome *RolloverOutcome
	for attempt := 1; ; attempt++ {
		conv, err := findConversation(s.db.WithContext(ctx), conversationID)
		if err != nil {
			return nil, err
		}
		if conv.Closed() {
			return nil, conversationClosed(conversationID)
		}
		draft, err := s.draftRollover(ctx, settings, conversationID, nil)
		if err != nil {
			return nil, err
		}
		outcome, err = s.rolloverOnce(ctx, catalog, conversationID, draft, attempt == rolloverAttempts)
		if errors.Is(err, errStaleDraft) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	s.rolledOver(conversationID, outcome.NewConversation, outcome.Summary)
	return outcome, nil
}

func (s *ConversationService) rolloverOnce(ctx context.Context, catalog *ProviderCatalog, conversationID string,
	draft *summaryDraft, last bool) (*RolloverOutcome, error) {
	ctx, flush := event.Defer(ctx, s.recorder)

	var outcome *RolloverOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := lockConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Closed() {
			return conversationClosed(conversationID)
		}
		outcome, err = s.performRollover(ctx, tx, catalog, conv, nil, draft, last)
		return err
	})
	flush(err == nil)
	if errors.Is(err, errStaleDraft) {
		return nil, err
	}
	if err != nil {
		return nil, storeFailure(err, "rollover conversation")
	}
	return outcome, nil
}

// draftForAppend drafts the rollover summary when appending body would
// cross the force threshold. It reads committed state only; a nil draft
// means no rollover is expected.
func (s *ConversationService) draftForAppend(ctx context.Context, catalog *ProviderCatalog, settings RolloverSettings,
	conversationID, role, body string) (*summaryDraft, error) {
	tx := s.db.WithContext(ctx)
	conv, err := findConversation(tx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed() {
		return nil, conversationClosed(conversationID)
	}
	total, err := sumTokens(tx, conversationID)
	if err != nil {
		return nil, storeFailure(err, "sum conversation tokens")
	}
	window := catalog.ContextWindow(conv.ProviderID, conv.ModelID)
	if total+EstimateTokens(body) < thresholdOf(window, settings.ForceRatio) {
		return nil, nil
	}
	pending := &db.Message{ConversationID: conversationID, Role: role, Body: body}
	return s.draftRollover(ctx, settings, conversationID, pending)
}

// draftRollover summarizes the committed history, plus pending when given,
// outside any transaction so a slow gateway never holds the write lock.
func (s *ConversationService) draftRollover(ctx context.Context, settings RolloverSettings,
	conversationID string, pending *db.Message) (*summaryDraft, error) {
	history, err := loadHistory(s.db.WithContext(ctx), conversationID)
	if err != nil {
		return nil, storeFailure(err, "list messages")
	}
	if pending != nil {
		history = append(history, *pending)
	}
	excerpts := selectExcerpts(history, pending, s.opts.TailSize)
	return s.summaries.draft(ctx, settings, db.SubjectConversation, conversationID, excerpts)
}

func (s *ConversationService) rolledOver(from string, to *db.Conversation, summary *db.Summary) {
	s.metrics.rollover()
	s.logger.Info("Conversation rolled over", "from", from, "to", to.ID, "summary", summary.ID)
	s.emitter.Emit(event.ConversationCreatedEvent{ConversationID: to.ID})
	s.emitter.Emit(event.ConversationRolledOverEvent{
		FromConversationID: from,
		ToConversationID:   to.ID,
		SummaryID:          summary.ID,
	})
}

// performRollover closes conv, stores its summary and seeds a successor. It
// must run inside tx; pending is the message that triggered it, if any.
// draft must match the history tx sees. A mismatch aborts with
// errStaleDraft, except on the last attempt, which stores the excerpts
// verbatim.
func (s *ConversationService) performRollover(ctx context.Context, tx *gorm.DB, catalog *ProviderCatalog,
	conv *db.Conversation, pending *db.Message, draft *summaryDraft, last bool) (*RolloverOutcome, error) {
	now := time.Now().UTC()
	res := tx.Model(&db.Conversation{}).
		Where("id = ? AND ctx_force = ?", conv.ID, false).
		Updates(map[string]any{"ctx_force": true, "closed_at": now, "updated_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, conversationClosed(conv.ID)
	}

	history, err := loadHistory(tx, conv.ID)
	if err != nil {
		return nil, err
	}
	excerpts := selectExcerpts(history, pending, s.opts.TailSize)
	if draft == nil || draft.hash != SourceHash(excerpts) {
		if !last {
			return nil, errStaleDraft
		}
		draft = fallbackDraft(db.SubjectConversation, conv.ID, excerpts, "conversation changed while its summary was generated")
	}
	summary, err := s.summaries.persist(ctx, tx, draft, false)
	if err != nil {
		return nil, err
	}

	providerID, modelID := conv.ProviderID, conv.ModelID
	if sel, err := catalog.ResolveWithFallback(conv.ProviderID, conv.ModelID, s.opts.PreferLocal); err == nil {
		providerID, modelID = sel.Provider.ID, sel.Model
	} else {
		s.logger.Warn("no provider for rolled conversation, keeping previous binding",
			"conversation", conv.ID, "error", err)
	}

	next := db.Conversation{
		ID:         uuid.NewString(),
		Title:      conv.Title,
		ProviderID: providerID,
		ModelID:    modelID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(&next).Error; err != nil {
		return nil, err
	}
	seed, err := insertMessage(tx, next.ID, db.RoleSystem, rolloverSeedPrefix+summary.Body)
	if err != nil {
		return nil, err
	}
	next.TotalTokens = seed.TokenEst

	links := []db.Link{
		{
			ID: uuid.NewString(), SrcID: conv.ID, SrcType: db.SubjectConversation,
			DstID: summary.ID, DstType: "summary", Relation: db.RelationSummarisedAs, CreatedAt: now,
		},
		{
			ID: uuid.NewString(), SrcID: summary.ID, SrcType: "summary",
			DstID: next.ID, DstType: db.SubjectConversation, Relation: db.RelationRolloverTo, CreatedAt: now,
		},
	}
	if err := tx.Create(&links).Error; err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, event.Entry{
		Level:   db.LevelInfo,
		Code:    "AI-CTX-ROLLOVER",
		Module:  contextModule,
		Message: "Conversation rolled over",
		Explain: "A new thread was created to keep context within limits.",
		Data: map[string]any{
			"previous_conversation": conv.ID,
			"new_conversation":      next.ID,
			"summary_id":            summary.ID,
		},
	})
	return &RolloverOutcome{
		Rolled:                 true,
		PreviousConversationID: conv.ID,
		NewConversation:        &next,
		Summary:                summary,
	}, nil
}

func findConversation(tx *gorm.DB, id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := tx.First(&conv, "id = ?", id).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, conversationNotFound(id)
		}
		return nil, storeFailure(err, "load conversation")
	}
	return &conv, nil
}

// lockConversation touches the row before reading it so the transaction
// holds the write lock for the rest of the decision.
func lockConversation(tx *gorm.DB, id string) (*db.Conversation, error) {
	res := tx.Model(&db.Conversation{}).Where("id = ?", id).Update("updated_at", time.Now().UTC())
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, conversationNotFound(id)
	}
	return findConversation(tx, id)
}

func insertMessage(tx *gorm.DB, conversationID, role, body string) (*db.Message, error) {
	msg := db.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Body:           body,
		TokenEst:       EstimateTokens(body),
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func sumTokens(tx *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := tx.Model(&db.Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(SUM(token_est), 0)").
		Scan(&total).Error
	return total, err
}

func loadHistory(tx *gorm.DB, conversationID string) ([]db.Message, error) {
	var history []db.Message
	err := tx.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&history).Error
	return history, err
}
