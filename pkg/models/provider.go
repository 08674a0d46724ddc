package models

// ProviderSeed is a built-in AI provider definition. Seeds are written to the
// ai_providers table on startup and may be overridden from config.
type ProviderSeed struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`   // local or cloud
	Driver         string   `json:"driver"` // selects the chat model constructor
	DisplayName    string   `json:"display_name"`
	BaseURL        string   `json:"base_url,omitempty"`
	DefaultModel   string   `json:"default_model"`
	Models         []string `json:"models"`
	CapabilityTags []string `json:"capability_tags"`
	RequiresAPIKey bool     `json:"requires_api_key"`
}

// Chat model drivers
const (
	DriverOpenAI    = "openai"
	DriverAnthropic = "anthropic"
	DriverGoogle    = "google"
	DriverDeepSeek  = "deepseek"
	DriverQwen      = "qwen"
	DriverArk       = "ark"
	DriverQianfan   = "qianfan"
	DriverOllama    = "ollama"
)

// SupportedDrivers lists the drivers a provider may name.
var SupportedDrivers = map[string]struct{}{
	DriverOpenAI:    {},
	DriverAnthropic: {},
	DriverGoogle:    {},
	DriverDeepSeek:  {},
	DriverQwen:      {},
	DriverArk:       {},
	DriverQianfan:   {},
	DriverOllama:    {},
}
