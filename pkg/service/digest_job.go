package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DailyDigestKind    = "workspace.daily_digest"
	digestModule       = "jobs.daily"
	digestExcerptLimit = 5
	digestPreviewRunes = 240
)

// DigestPayload names the day to digest. An empty date means today (UTC).
type DigestPayload struct {
	Date string `json:"date,omitempty"`
}

// NoteExcerpt is a note title plus a single-line preview of its body.
type NoteExcerpt struct {
	Title   string `json:"title"`
	Preview string `json:"preview"`
}

// DigestFacts are the counts gathered for one UTC calendar day.
type DigestFacts struct {
	Date         string        `json:"date"`
	NotesCount   int64         `json:"notes_count"`
	AICalls      int64         `json:"ai_calls"`
	AIFailures   int64         `json:"ai_failures"`
	JobCount     int64         `json:"job_count"`
	LatestTitle  string        `json:"latest_title,omitempty"`
	LatestAt     *time.Time    `json:"latest_at,omitempty"`
	NoteExcerpts []NoteExcerpt `json:"note_excerpts,omitempty"`
}

// Lines renders the facts as the excerpt set handed to the summarizer.
func (f DigestFacts) Lines() []string {
	lines := []string{
		"Date: " + f.Date,
		fmt.Sprintf("Notes captured: %d", f.NotesCount),
		fmt.Sprintf("AI runs: %d (%d alerts)", f.AICalls, f.AIFailures),
		fmt.Sprintf("Jobs processed: %d", f.JobCount),
	}
	if f.LatestAt != nil {
		lines = append(lines, fmt.Sprintf("Latest note: %q at %s", f.LatestTitle, f.LatestAt.UTC().Format("15:04 UTC")))
	}
	if len(f.NoteExcerpts) > 0 {
		lines = append(lines, "Recent note highlights:")
		for _, n := range f.NoteExcerpts {
			lines = append(lines, fmt.Sprintf("- %s: %s", n.Title, n.Preview))
		}
	}
	return lines
}

// Fallback is the templated digest used when no AI narrative is available.
func (f DigestFacts) Fallback() string {
	parts := []string{
		fmt.Sprintf("Captured %d note%s today.", f.NotesCount, plural(f.NotesCount)),
		fmt.Sprintf("Dispatched %d AI run%s with %d incident%s.", f.AICalls, plural(f.AICalls), f.AIFailures, plural(f.AIFailures)),
		fmt.Sprintf("Processed %d background job%s.", f.JobCount, plural(f.JobCount)),
	}
	if f.LatestAt != nil {
		parts = append(parts, fmt.Sprintf("Latest note %q captured at %s.", f.LatestTitle, f.LatestAt.UTC().Format("15:04 UTC")))
	}
	return strings.Join(parts, " ")
}

// DigestResult is stored as the digest job's result.
type DigestResult struct {
	EntryDate string             `json:"entry_date"`
	Logbook   db.LogbookEntry    `json:"logbook"`
	Timeline  []db.TimelineEvent `json:"timeline"`
}

// DigestJob aggregates a day of activity into a logbook entry and its
// timeline. Re-running a date overwrites that date's rows.
type DigestJob struct {
	db        *gorm.DB
	summaries *SummaryService
	recorder  event.Recorder
	emitter   *event.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewDigestJob creates the daily digest handler.
func NewDigestJob(database *gorm.DB, summaries *SummaryService, recorder event.Recorder, emitter *event.Emitter) *DigestJob {
	return &DigestJob{
		db:        database,
		summaries: summaries,
		recorder:  recorder,
		emitter:   emitter,
		logger:    utils.GetLogger(),
		now:       time.Now,
	}
}

func (d *DigestJob) Kind() string { return DailyDigestKind }

// Run implements JobHandler.
func (d *DigestJob) Run(ctx context.Context, job *db.Job) (any, error) {
	var payload DigestPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, invalidArgument("invalid digest payload: %v", err)
		}
	}
	date, err := d.resolveDate(payload.Date)
	if err != nil {
		return nil, err
	}
	return d.RunForDate(ctx, date)
}

func (d *DigestJob) resolveDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		now := d.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	date, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, invalidArgument("invalid date supplied to daily digest job: %q", s)
	}
	return date, nil
}

// RunForDate digests the UTC day starting at date.
func (d *DigestJob) RunForDate(ctx context.Context, date time.Time) (*DigestResult, error) {
	facts, err := d.CollectFacts(ctx, date)
	if err != nil {
		return nil, err
	}

	body := facts.Fallback()
	var summaryID *string
	summary, err := d.summaries.Summarize(ctx, db.SubjectDay, facts.Date, facts.Lines())
	switch {
	case err != nil:
		d.logger.Warn("Digest summary unavailable, using template", "date", facts.Date, "error", err)
	case summary.ModelID == nil:
		d.logger.Info("Digest summary fell back, using template", "date", facts.Date)
	default:
		body = summary.Body
		summaryID = &summary.ID
	}

	ctx, flush := event.Defer(ctx, d.recorder)

	result := &DigestResult{EntryDate: facts.Date}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := upsertLogbook(tx, facts.Date, body, summaryID)
		if err != nil {
			return err
		}
		result.Logbook = *entry
		result.Timeline, err = rebuildTimeline(tx, facts.Date, body, facts)
		return err
	})
	flush(err == nil)
	if err != nil {
		return nil, storeFailure(err, "write daily digest")
	}

	d.recorder.Record(ctx, event.Entry{
		Level:   db.LevelInfo,
		Code:    "SYS-LOG-100",
		Module:  digestModule,
		Message: "Daily digest job completed",
		Explain: "Created or refreshed logbook and timeline entries.",
		Data:    map[string]any{"entry_date": facts.Date, "timeline": len(result.Timeline)},
	})
	d.emitter.Emit(event.LogbookUpdatedEvent{EntryDate: facts.Date})
	return result, nil
}

// CollectFacts counts notes, AI runs, AI incidents and jobs for the day.
func (d *DigestJob) CollectFacts(ctx context.Context, date time.Time) (DigestFacts, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	facts := DigestFacts{Date: start.Format(time.DateOnly)}
	tx := d.db.WithContext(ctx)

	if err := tx.Model(&db.Note{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Count(&facts.NotesCount).Error; err != nil {
		return facts, storeFailure(err, "count notes")
	}
	if err := tx.Model(&db.EventLog{}).
		Where("module = ? AND ts >= ? AND ts < ?", runtimeModule, start, end).
		Count(&facts.AICalls).Error; err != nil {
		return facts, storeFailure(err, "count AI runs")
	}
	if err := tx.Model(&db.EventLog{}).
		Where("module = ? AND level IN ? AND ts >= ? AND ts < ?", runtimeModule, []string{db.LevelWarn, db.LevelError}, start, end).
		Count(&facts.AIFailures).Error; err != nil {
		return facts, storeFailure(err, "count AI incidents")
	}
	if err := tx.Model(&db.Job{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Count(&facts.JobCount).Error; err != nil {
		return facts, storeFailure(err, "count jobs")
	}

	var notes []db.Note
	if err := tx.Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at DESC").
		Limit(digestExcerptLimit).
		Find(&notes).Error; err != nil {
		return facts, storeFailure(err, "collect note excerpts")
	}
	if len(notes) > 0 {
		at := notes[0].CreatedAt.UTC()
		facts.LatestTitle = notes[0].Title
		facts.LatestAt = &at
	}
	for _, n := range notes {
		facts.NoteExcerpts = append(facts.NoteExcerpts, NoteExcerpt{
			Title:   n.Title,
			Preview: strings.ReplaceAll(preview(n.Body, digestPreviewRunes), "\n", " "),
		})
	}
	return facts, nil
}

// RebuildTimeline replaces the timeline rows of date.
func (d *DigestJob) RebuildTimeline(ctx context.Context, date, summary string, facts DigestFacts) ([]db.TimelineEvent, error) {
	var out []db.TimelineEvent
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = rebuildTimeline(tx, date, summary, facts)
		return err
	})
	if err != nil {
		return nil, storeFailure(err, "rebuild timeline")
	}
	return out, nil
}

// GetLogbookEntry returns the digest of a date.
func (d *DigestJob) GetLogbookEntry(ctx context.Context, date string) (*db.LogbookEntry, error) {
	var entry db.LogbookEntry
	if err := d.db.WithContext(ctx).First(&entry, "entry_date = ?", date).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, newError(ErrNotFound, CodeLogbookNotFound, "No logbook entry exists for this date.",
				fmt.Errorf("logbook %s", date))
		}
		return nil, storeFailure(err, "load logbook entry")
	}
	return &entry, nil
}

// ListTimeline returns the timeline rows of a date in display order.
func (d *DigestJob) ListTimeline(ctx context.Context, date string) ([]db.TimelineEvent, error) {
	var rows []db.TimelineEvent
	if err := d.db.WithContext(ctx).Where("entry_date = ?", date).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, storeFailure(err, "list timeline")
	}
	return rows, nil
}

func upsertLogbook(tx *gorm.DB, date, summary string, summaryID *string) (*db.LogbookEntry, error) {
	now := time.Now().UTC()
	row := db.LogbookEntry{
		ID:        uuid.NewString(),
		EntryDate: date,
		Summary:   summary,
		SummaryID: summaryID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary", "summary_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	var entry db.LogbookEntry
	if err := tx.First(&entry, "entry_date = ?", date).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func rebuildTimeline(tx *gorm.DB, date, summary string, facts DigestFacts) ([]db.TimelineEvent, error) {
	if err := tx.Where("entry_date = ?", date).Delete(&db.TimelineEvent{}).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	add := func(events []db.TimelineEvent, kind, title, detail string) []db.TimelineEvent {
		return append(events, db.TimelineEvent{
			ID:        uuid.NewString(),
			EntryDate: date,
			Kind:      kind,
			Title:     title,
			Detail:    detail,
			Position:  len(events),
			CreatedAt: now,
		})
	}

	events := add(nil, db.TimelineLogbook, fmt.Sprintf("Daily log captured (%s)", date), summary)
	if facts.NotesCount > 0 {
		events = add(events, db.TimelineNotes,
			fmt.Sprintf("%d new note%s", facts.NotesCount, plural(facts.NotesCount)),
			"Review the Notes tab to explore today's captures.")
	}
	if facts.AICalls > 0 {
		events = add(events, db.TimelineAI,
			fmt.Sprintf("%d AI interaction%s", facts.AICalls, plural(facts.AICalls)),
			"Inspect the AI Debugger console for transcripts and usage.")
	}
	if facts.AIFailures > 0 {
		events = add(events, db.TimelineAlerts,
			fmt.Sprintf("%d AI alert%s", facts.AIFailures, plural(facts.AIFailures)),
			"Errors were detected in today's AI runs. Investigate via the debugger.")
	}
	if err := tx.Create(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
