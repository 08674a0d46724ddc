package service

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settings keys
const (
	SettingWarnRatio       = "ai.rollover.warn_ratio"
	SettingForceRatio      = "ai.rollover.force_ratio"
	SettingSummarizerModel = "ai.summarizer_model"
	SettingActiveAI        = "ai.active"
)

// RolloverSettings are the thresholds the rollover engine applies, as
// fractions of a provider's context window.
type RolloverSettings struct {
	WarnRatio       float64 `json:"warn_ratio"`
	ForceRatio      float64 `json:"force_ratio"`
	SummarizerModel string  `json:"summarizer_model,omitempty"`
}

// RolloverSettingsUpdate changes only the non-nil fields. An empty
// SummarizerModel clears the override.
type RolloverSettingsUpdate struct {
	WarnRatio       *float64 `json:"warn_ratio"`
	ForceRatio      *float64 `json:"force_ratio"`
	SummarizerModel *string  `json:"summarizer_model"`
}

// SettingsService reads and writes the settings table.
type SettingsService struct {
	db       *gorm.DB
	defaults RolloverSettings
	recorder event.Recorder
	emitter  *event.Emitter
	logger   *slog.Logger
}

// NewSettingsService creates a settings service. defaults apply to keys that
// are absent or unparsable.
func NewSettingsService(database *gorm.DB, defaults RolloverSettings, recorder event.Recorder, emitter *event.Emitter) *SettingsService {
	if defaults.WarnRatio <= 0 {
		defaults.WarnRatio = 0.75
	}
	if defaults.ForceRatio <= 0 {
		defaults.ForceRatio = 0.9
	}
	return &SettingsService{
		db:       database,
		defaults: defaults,
		recorder: recorder,
		emitter:  emitter,
		logger:   utils.GetLogger(),
	}
}

// Get returns the effective rollover settings.
func (s *SettingsService) Get(ctx context.Context) (RolloverSettings, error) {
	values, err := readSettings(s.db.WithContext(ctx), SettingWarnRatio, SettingForceRatio, SettingSummarizerModel)
	if err != nil {
		return RolloverSettings{}, storeFailure(err, "read rollover settings")
	}
	out := s.defaults
	if v, ok := parseRatio(values[SettingWarnRatio]); ok {
		out.WarnRatio = v
	}
	if v, ok := parseRatio(values[SettingForceRatio]); ok {
		out.ForceRatio = v
	}
	if v := strings.TrimSpace(values[SettingSummarizerModel]); v != "" {
		out.SummarizerModel = v
	}
	return out, nil
}

// Update validates and stores new rollover settings.
func (s *SettingsService) Update(ctx context.Context, upd RolloverSettingsUpdate) (RolloverSettings, error) {
	current, err := s.Get(ctx)
	if err != nil {
		return RolloverSettings{}, err
	}
	next := current
	if upd.WarnRatio != nil {
		next.WarnRatio = *upd.WarnRatio
	}
	if upd.ForceRatio != nil {
		next.ForceRatio = *upd.ForceRatio
	}
	if upd.SummarizerModel != nil {
		next.SummarizerModel = strings.TrimSpace(*upd.SummarizerModel)
	}
	if next.WarnRatio <= 0 || next.ForceRatio <= 0 || next.WarnRatio > next.ForceRatio || next.ForceRatio > 1 {
		return RolloverSettings{}, invalidArgument("ratios must satisfy 0 < warn_ratio <= force_ratio <= 1")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := writeSetting(tx, SettingWarnRatio, strconv.FormatFloat(next.WarnRatio, 'f', -1, 64)); err != nil {
			return err
		}
		if err := writeSetting(tx, SettingForceRatio, strconv.FormatFloat(next.ForceRatio, 'f', -1, 64)); err != nil {
			return err
		}
		return writeSetting(tx, SettingSummarizerModel, next.SummarizerModel)
	})
	if err != nil {
		return RolloverSettings{}, storeFailure(err, "write rollover settings")
	}

	s.logger.Info("Rollover settings updated", "warnRatio", next.WarnRatio, "forceRatio", next.ForceRatio)
	s.recorder.Record(ctx, event.Entry{
		Level:   db.LevelInfo,
		Code:    "AI-0001",
		Module:  "ai.settings",
		Message: "Rollover settings updated",
		Data: map[string]any{
			"warn_ratio":       next.WarnRatio,
			"force_ratio":      next.ForceRatio,
			"summarizer_model": next.SummarizerModel,
		},
	})
	s.emitter.Emit(event.ConfigChangedEvent{Key: "ai.rollover"})
	return next, nil
}

func parseRatio(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 || f > 1 {
		return 0, false
	}
	return f, true
}

func readSettings(tx *gorm.DB, keys ...string) (map[string]string, error) {
	var rows []db.Setting
	if err := tx.Where("setting_key IN ?", keys).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func writeSetting(tx *gorm.DB, key, value string) error {
	row := db.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}
