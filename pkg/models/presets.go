package models

import (
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

//go:embed presets.json
var presetsFS embed.FS

// PresetsConfig is the layout of presets.json.
type PresetsConfig struct {
	Providers []ProviderSeed `json:"providers"`
}

var (
	presetsOnce sync.Once
	presets     []ProviderSeed
	presetsErr  error
)

// loadEmbeddedPresets reads presets from embedded JSON file
func loadEmbeddedPresets() ([]ProviderSeed, error) {
	data, err := presetsFS.ReadFile("presets.json")
	if err != nil {
		return nil, err
	}
	var config PresetsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse provider presets: %w", err)
	}
	for _, p := range config.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider preset without id")
		}
		if _, ok := SupportedDrivers[p.Driver]; !ok {
			return nil, fmt.Errorf("provider preset %s uses unsupported driver %q", p.ID, p.Driver)
		}
	}
	return config.Providers, nil
}

// ProviderSeeds returns the built-in catalog. Callers get their own copy.
func ProviderSeeds() ([]ProviderSeed, error) {
	presetsOnce.Do(func() {
		presets, presetsErr = loadEmbeddedPresets()
	})
	if presetsErr != nil {
		return nil, presetsErr
	}
	out := make([]ProviderSeed, len(presets))
	for i, p := range presets {
		p.Models = slices.Clone(p.Models)
		p.CapabilityTags = slices.Clone(p.CapabilityTags)
		out[i] = p
	}
	return out, nil
}
