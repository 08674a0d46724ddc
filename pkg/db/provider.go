// Database models for AI provider configuration
package db

import (
	"time"

	"gorm.io/datatypes"
)

// Provider kinds
const (
	ProviderLocal = "local"
	ProviderCloud = "cloud"
)

// AIProvider is a configured endpoint. Models and CapabilityTags are JSON arrays.
type AIProvider struct {
	ID             string                      `json:"id" gorm:"primaryKey;size:64"`
	Kind           string                      `json:"kind" gorm:"size:16;not null"`
	Driver         string                      `json:"driver" gorm:"size:32;not null"`
	DisplayName    string                      `json:"display_name" gorm:"size:100"`
	BaseURL        string                      `json:"base_url,omitempty" gorm:"size:300"`
	DefaultModel   string                      `json:"default_model,omitempty" gorm:"size:128"`
	Models         datatypes.JSONSlice[string] `json:"models"`
	CapabilityTags datatypes.JSONSlice[string] `json:"capability_tags"`
	RequiresAPIKey bool                        `json:"requires_api_key"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func (AIProvider) TableName() string {
	return "ai_providers"
}

// AICredential holds a provider secret. It is never serialized to clients.
type AICredential struct {
	ProviderID string    `json:"-" gorm:"primaryKey;size:64"`
	Secret     string    `json:"-" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

func (AICredential) TableName() string {
	return "ai_credentials"
}
