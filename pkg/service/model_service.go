package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ChatMessage is one role-tagged prompt message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatInput is a gateway request.
type ChatInput struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
}

// Usage is token accounting reported by the provider, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is generated text plus usage metadata.
type ChatResponse struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
	Content    string `json:"content"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Gateway sends one chat request to one concrete provider/model.
type Gateway interface {
	Chat(ctx context.Context, sel RuntimeSelection, in ChatInput) (*ChatResponse, error)
}

const defaultGatewayTimeout = 45 * time.Second

// ModelService is the eino-backed Gateway. It builds a chat model for the
// selection's driver and runs a single Generate call.
type ModelService struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewModelService creates the gateway. A non-positive timeout uses 45s.
func NewModelService(timeout time.Duration) *ModelService {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &ModelService{
		timeout: timeout,
		logger:  utils.GetLogger(),
	}
}

// Chat implements Gateway.
func (m *ModelService) Chat(ctx context.Context, sel RuntimeSelection, in ChatInput) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	chatModel, err := m.CreateChatModel(ctx, sel)
	if err != nil {
		return nil, err
	}

	var opts []einoModel.Option
	if in.Temperature != nil {
		opts = append(opts, einoModel.WithTemperature(*in.Temperature))
	}

	out, err := chatModel.Generate(ctx, toSchemaMessages(in.Messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("%s/%s generate: %w", sel.Provider.ID, sel.Model, err)
	}

	resp := &ChatResponse{
		ProviderID: sel.Provider.ID,
		Model:      sel.Model,
		Content:    out.Content,
	}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		u := out.ResponseMeta.Usage
		resp.Usage = &Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	m.logger.Debug("Chat completed", "provider", sel.Provider.ID, "model", sel.Model, "chars", len(out.Content))
	return resp, nil
}

func toSchemaMessages(in []ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(in))
	for _, msg := range in {
		switch msg.Role {
		case db.RoleSystem:
			out = append(out, schema.SystemMessage(msg.Content))
		case db.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		default:
			out = append(out, schema.UserMessage(msg.Content))
		}
	}
	return out
}

// CreateChatModel creates an eino chat model for the selected provider driver.
func (m *ModelService) CreateChatModel(ctx context.Context, sel RuntimeSelection) (einoModel.BaseChatModel, error) {
	baseURL := strings.TrimSpace(sel.Provider.BaseURL)

	switch sel.Provider.Driver {
	case models.DriverOpenAI:
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: baseURL,
			APIKey:  sel.Secret,
			Model:   sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case models.DriverArk:
		retries := 2
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    baseURL,
			Timeout:    &m.timeout,
			RetryTimes: &retries,
			APIKey:     sel.Secret,
			Model:      sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case models.DriverDeepSeek:
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: baseURL,
			APIKey:  sel.Secret,
			Model:   sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case models.DriverAnthropic:
		cfg := &claude.Config{
			APIKey:    sel.Secret,
			Model:     sel.Model,
			MaxTokens: 2048,
		}
		if baseURL != "" {
			cfg.BaseURL = &baseURL
		}
		chatModel, err := claude.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case models.DriverOllama:
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case models.DriverGoogle:
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  sel.Secret,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case models.DriverQianfan:
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = baseURL
		qianfanConfig.BearerToken = sel.Secret
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case models.DriverQwen:
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: baseURL,
			APIKey:  sel.Secret,
			Model:   sel.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model driver: %s", sel.Provider.Driver)
	}
}
