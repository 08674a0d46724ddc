package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/choraleia/inkos/pkg/config"
	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/utils"
	cache "github.com/patrickmn/go-cache"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const catalogCacheKey = "catalog"

// ProviderInfo is a provider row plus whether a credential is available.
type ProviderInfo struct {
	db.AIProvider
	HasCredentials bool `json:"has_credentials"`
}

// RuntimeSelection is a concrete provider/model pair ready for the gateway.
type RuntimeSelection struct {
	Provider ProviderInfo `json:"provider"`
	Model    string       `json:"model"`
	Secret   string       `json:"-"`
}

// AISettings is the active provider selection.
type AISettings struct {
	ActiveProviderID string        `json:"active_provider_id,omitempty"`
	ActiveModel      string        `json:"active_model,omitempty"`
	Provider         *ProviderInfo `json:"provider,omitempty"`
}

// AISettingsUpdate selects the active provider and optionally changes its
// model, API key or base URL. An empty APIKey removes the stored credential.
type AISettingsUpdate struct {
	ProviderID string  `json:"provider_id"`
	Model      *string `json:"model"`
	APIKey     *string `json:"api_key"`
	BaseURL    *string `json:"base_url"`
}

// ProviderCatalog is an immutable snapshot of providers, credentials and the
// active selection. Resolution works on a snapshot so it never touches the
// store while a caller holds a transaction.
type ProviderCatalog struct {
	Providers        []ProviderInfo
	ActiveProviderID string
	ActiveModel      string
	secrets          map[string]string
}

// ProviderService owns the provider catalog and resolves runtime selections.
type ProviderService struct {
	db        *gorm.DB
	overrides []config.ProviderConfig
	cache     *cache.Cache
	recorder  event.Recorder
	emitter   *event.Emitter
	logger    *slog.Logger
	getenv    func(string) string
}

// NewProviderService creates a provider service. overrides extend or replace
// the built-in seeds by id.
func NewProviderService(database *gorm.DB, overrides []config.ProviderConfig, recorder event.Recorder, emitter *event.Emitter) *ProviderService {
	return &ProviderService{
		db:        database,
		overrides: overrides,
		cache:     cache.New(30*time.Second, time.Minute),
		recorder:  recorder,
		emitter:   emitter,
		logger:    utils.GetLogger(),
		getenv:    os.Getenv,
	}
}

// Seed writes the built-in catalog merged with config overrides. User edits
// to base_url survive reseeding.
func (s *ProviderService) Seed(ctx context.Context) error {
	seeds, err := models.ProviderSeeds()
	if err != nil {
		return err
	}
	rows := make([]db.AIProvider, 0, len(seeds)+len(s.overrides))
	index := make(map[string]int)
	for _, seed := range seeds {
		index[seed.ID] = len(rows)
		rows = append(rows, providerFromSeed(seed))
	}
	for _, o := range s.overrides {
		if i, ok := index[o.ID]; ok {
			rows[i] = mergeProvider(rows[i], o)
			continue
		}
		index[o.ID] = len(rows)
		rows = append(rows, providerFromConfig(o))
	}
	for _, row := range rows {
		if _, ok := models.SupportedDrivers[row.Driver]; !ok {
			return invalidArgument("provider %s uses unsupported driver %q", row.ID, row.Driver)
		}
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "driver", "display_name", "default_model", "models",
			"capability_tags", "requires_api_key", "updated_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return storeFailure(err, "seed providers")
	}
	s.cache.Delete(catalogCacheKey)
	return nil
}

// Catalog returns the current provider snapshot, cached briefly.
func (s *ProviderService) Catalog(ctx context.Context) (*ProviderCatalog, error) {
	if v, ok := s.cache.Get(catalogCacheKey); ok {
		return v.(*ProviderCatalog), nil
	}

	tx := s.db.WithContext(ctx)
	var providers []db.AIProvider
	if err := tx.Order("id ASC").Find(&providers).Error; err != nil {
		return nil, storeFailure(err, "list providers")
	}
	var creds []db.AICredential
	if err := tx.Find(&creds).Error; err != nil {
		return nil, storeFailure(err, "list credentials")
	}
	values, err := readSettings(tx, SettingActiveAI)
	if err != nil {
		return nil, storeFailure(err, "read active provider")
	}

	catalog := &ProviderCatalog{secrets: make(map[string]string)}
	for _, c := range creds {
		if decoded, err := base64.StdEncoding.DecodeString(c.Secret); err == nil && len(decoded) > 0 {
			catalog.secrets[c.ProviderID] = string(decoded)
		}
	}
	for _, p := range providers {
		if _, ok := catalog.secrets[p.ID]; !ok {
			if v := strings.TrimSpace(s.getenv(envKeyFor(p.ID))); v != "" {
				catalog.secrets[p.ID] = v
			}
		}
		_, has := catalog.secrets[p.ID]
		catalog.Providers = append(catalog.Providers, ProviderInfo{AIProvider: p, HasCredentials: has})
	}
	if raw := values[SettingActiveAI]; raw != "" {
		var active struct {
			ProviderID string `json:"provider_id"`
			Model      string `json:"model"`
		}
		if err := json.Unmarshal([]byte(raw), &active); err == nil {
			catalog.ActiveProviderID = active.ProviderID
			catalog.ActiveModel = active.Model
		}
	}

	s.cache.SetDefault(catalogCacheKey, catalog)
	return catalog, nil
}

// Invalidate drops the cached catalog.
func (s *ProviderService) Invalidate() {
	s.cache.Delete(catalogCacheKey)
}

// ListProviders returns every configured provider.
func (s *ProviderService) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(catalog.Providers), nil
}

// GetAISettings returns the active selection.
func (s *ProviderService) GetAISettings(ctx context.Context) (*AISettings, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	out := &AISettings{ActiveProviderID: catalog.ActiveProviderID, ActiveModel: catalog.ActiveModel}
	if p, ok := catalog.Provider(catalog.ActiveProviderID); ok {
		out.Provider = &p
	}
	return out, nil
}

// UpdateAISettings stores the active selection and provider credential.
func (s *ProviderService) UpdateAISettings(ctx context.Context, upd AISettingsUpdate) (*AISettings, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	provider, ok := catalog.Provider(upd.ProviderID)
	if !ok {
		return nil, newError(ErrNotFound, CodeProviderNotFound, "The AI provider is not configured.",
			fmt.Errorf("provider %q", upd.ProviderID))
	}

	model := provider.DefaultModel
	if upd.Model != nil && strings.TrimSpace(*upd.Model) != "" {
		model = strings.TrimSpace(*upd.Model)
	}
	now := time.Now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if upd.BaseURL != nil {
			if err := tx.Model(&db.AIProvider{}).Where("id = ?", provider.ID).
				Updates(map[string]any{"base_url": strings.TrimSpace(*upd.BaseURL), "updated_at": now}).Error; err != nil {
				return err
			}
		}
		if upd.APIKey != nil {
			key := strings.TrimSpace(*upd.APIKey)
			if key == "" {
				if err := tx.Delete(&db.AICredential{}, "provider_id = ?", provider.ID).Error; err != nil {
					return err
				}
			} else {
				cred := db.AICredential{
					ProviderID: provider.ID,
					Secret:     base64.StdEncoding.EncodeToString([]byte(key)),
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "provider_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"secret", "updated_at"}),
				}).Create(&cred).Error; err != nil {
					return err
				}
			}
		}
		active, err := json.Marshal(map[string]string{"provider_id": provider.ID, "model": model})
		if err != nil {
			return err
		}
		return writeSetting(tx, SettingActiveAI, string(active))
	})
	if err != nil {
		return nil, storeFailure(err, "update AI settings")
	}
	s.Invalidate()

	s.logger.Info("AI settings updated", "provider", provider.ID, "model", model)
	s.recorder.Record(ctx, event.Entry{
		Level:   db.LevelInfo,
		Code:    "AI-0001",
		Module:  "ai.settings",
		Message: "Active AI provider updated",
		Data:    map[string]any{"provider": provider.ID, "model": model, "credential_changed": upd.APIKey != nil},
	})
	s.emitter.Emit(event.ConfigChangedEvent{Key: SettingActiveAI})
	return s.GetAISettings(ctx)
}

// Resolve returns the primary selection without fallback.
func (s *ProviderService) Resolve(ctx context.Context, providerOverride, modelOverride string) (RuntimeSelection, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return RuntimeSelection{}, err
	}
	return catalog.Resolve(providerOverride, modelOverride)
}

// ResolveWithFallback returns the primary selection or, failing that, the
// first usable candidate.
func (s *ProviderService) ResolveWithFallback(ctx context.Context, providerOverride, modelOverride string, preferLocal bool) (RuntimeSelection, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return RuntimeSelection{}, err
	}
	return catalog.ResolveWithFallback(providerOverride, modelOverride, preferLocal)
}

// ContextWindow returns the token budget for a provider/model pair.
func (s *ProviderService) ContextWindow(ctx context.Context, providerID, model string) (int64, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return 0, err
	}
	return catalog.ContextWindow(providerID, model), nil
}

// Provider looks up a provider by id.
func (c *ProviderCatalog) Provider(id string) (ProviderInfo, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderInfo{}, false
}

// ContextWindow applies capability tags of the provider, if known, then the
// model-name heuristic.
func (c *ProviderCatalog) ContextWindow(providerID, model string) int64 {
	var tags []string
	if p, ok := c.Provider(providerID); ok {
		tags = p.CapabilityTags
	}
	return ContextWindowFor(tags, model)
}

// Resolve picks provider = override or active, and model = override, the
// active model of that provider, its default, or its first listed model.
// A model the provider does not list is replaced by the first listed one.
func (c *ProviderCatalog) Resolve(providerOverride, modelOverride string) (RuntimeSelection, error) {
	providerID := providerOverride
	if providerID == "" {
		providerID = c.ActiveProviderID
	}
	if providerID == "" {
		return RuntimeSelection{}, noProvider(nil)
	}
	provider, ok := c.Provider(providerID)
	if !ok {
		return RuntimeSelection{}, newError(ErrNotFound, CodeProviderNotFound, "The AI provider is not configured.",
			fmt.Errorf("provider %q", providerID))
	}

	model := modelOverride
	if model == "" && provider.ID == c.ActiveProviderID {
		model = c.ActiveModel
	}
	if model == "" {
		model = provider.DefaultModel
	}
	if model == "" && len(provider.Models) > 0 {
		model = provider.Models[0]
	}
	if model == "" {
		return RuntimeSelection{}, noProvider(fmt.Errorf("provider %s has no model", provider.ID))
	}
	if len(provider.Models) > 0 && !slices.Contains(provider.Models, model) {
		model = provider.Models[0]
	}
	return RuntimeSelection{Provider: provider, Model: model, Secret: c.secrets[provider.ID]}, nil
}

// Candidates lists fallback selections: every provider except the override,
// local ones first when preferLocal, skipping those that need a key but
// have none.
func (c *ProviderCatalog) Candidates(providerOverride, modelOverride string, preferLocal bool) []RuntimeSelection {
	ordered := slices.Clone(c.Providers)
	if preferLocal {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Kind == db.ProviderLocal && ordered[j].Kind != db.ProviderLocal
		})
	}

	seen := map[string]bool{}
	if providerOverride != "" {
		seen[providerOverride] = true
	}
	var out []RuntimeSelection
	for _, p := range ordered {
		if p.RequiresAPIKey && !p.HasCredentials {
			continue
		}
		if seen[p.ID] {
			continue
		}
		sel, err := c.Resolve(p.ID, modelOverride)
		if err != nil {
			continue
		}
		seen[p.ID] = true
		out = append(out, sel)
	}
	return out
}

// ResolveWithFallback is Resolve, then the first candidate.
func (c *ProviderCatalog) ResolveWithFallback(providerOverride, modelOverride string, preferLocal bool) (RuntimeSelection, error) {
	if sel, err := c.Resolve(providerOverride, modelOverride); err == nil {
		return sel, nil
	}
	candidates := c.Candidates(providerOverride, modelOverride, preferLocal)
	if len(candidates) == 0 {
		return RuntimeSelection{}, noProvider(nil)
	}
	return candidates[0], nil
}

func noProvider(cause error) *Error {
	return newError(ErrNoProviderConfigured, CodeNoProvider,
		"No AI provider is configured. Pick one under AI settings.", cause)
}

func envKeyFor(providerID string) string {
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(providerID))
	return "INKOS_" + id + "_API_KEY"
}

func providerFromSeed(seed models.ProviderSeed) db.AIProvider {
	return db.AIProvider{
		ID:             seed.ID,
		Kind:           seed.Kind,
		Driver:         seed.Driver,
		DisplayName:    seed.DisplayName,
		BaseURL:        seed.BaseURL,
		DefaultModel:   seed.DefaultModel,
		Models:         datatypes.JSONSlice[string](slices.Clone(seed.Models)),
		CapabilityTags: datatypes.JSONSlice[string](slices.Clone(seed.CapabilityTags)),
		RequiresAPIKey: seed.RequiresAPIKey,
	}
}

func providerFromConfig(o config.ProviderConfig) db.AIProvider {
	row := db.AIProvider{
		ID:             o.ID,
		Kind:           o.Kind,
		Driver:         o.Driver,
		DisplayName:    o.DisplayName,
		BaseURL:        o.BaseURL,
		DefaultModel:   o.DefaultModel,
		Models:         datatypes.JSONSlice[string](slices.Clone(o.Models)),
		CapabilityTags: datatypes.JSONSlice[string](slices.Clone(o.CapabilityTags)),
	}
	if row.Kind == "" {
		row.Kind = db.ProviderCloud
	}
	if row.Driver == "" {
		row.Driver = models.DriverOpenAI
	}
	if row.DisplayName == "" {
		row.DisplayName = o.ID
	}
	if o.RequiresAPIKey != nil {
		row.RequiresAPIKey = *o.RequiresAPIKey
	} else {
		row.RequiresAPIKey = row.Kind != db.ProviderLocal
	}
	return row
}

// mergeProvider overlays the fields an override sets onto a seed.
func mergeProvider(base db.AIProvider, o config.ProviderConfig) db.AIProvider {
	if o.Kind != "" {
		base.Kind = o.Kind
	}
	if o.Driver != "" {
		base.Driver = o.Driver
	}
	if o.DisplayName != "" {
		base.DisplayName = o.DisplayName
	}
	if o.BaseURL != "" {
		base.BaseURL = o.BaseURL
	}
	if o.DefaultModel != "" {
		base.DefaultModel = o.DefaultModel
	}
	if len(o.Models) > 0 {
		base.Models = datatypes.JSONSlice[string](slices.Clone(o.Models))
	}
	if len(o.CapabilityTags) > 0 {
		base.CapabilityTags = datatypes.JSONSlice[string](slices.Clone(o.CapabilityTags))
	}
	if o.RequiresAPIKey != nil {
		base.RequiresAPIKey = *o.RequiresAPIKey
	}
	return base
}
