package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderAnthropic = "anthropic"

	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
)

type AnthropicOption func(*AnthropicProvider)

type AnthropicProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	provider := &AnthropicProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultAnthropicEndpoint,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) {
		if client != nil {
			p.client = client
		}
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := validateRequest(ProviderAnthropic, p.apiKey, req); err != nil {
		return CompletionResponse{}, err
	}

	messages, system, err := buildAnthropicMessages(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	payload := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Messages:    messages,
		System:      system,
		Temperature: req.Temperature,
	}

	var parsed anthropicResponse
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
	if err := postJSON(ctx, p.client, ProviderAnthropic, p.endpoint, headers, payload, &parsed); err != nil {
		return CompletionResponse{}, err
	}

	var builder strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			builder.WriteString(block.Text)
		}
	}
	content := builder.String()
	if strings.TrimSpace(content) == "" {
		return CompletionResponse{}, errors.New("anthropic response contained no text")
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}
	return CompletionResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		Model:      modelName,
		StopReason: parsed.StopReason,
	}, nil
}

// buildAnthropicMessages folds system messages into the top-level system
// field, which is where the messages API expects them.
func buildAnthropicMessages(req CompletionRequest) ([]anthropicMessage, string, error) {
	systemParts := make([]string, 0, 2)
	if trimmed := strings.TrimSpace(req.SystemPrompt); trimmed != "" {
		systemParts = append(systemParts, req.SystemPrompt)
	}

	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, message := range req.Messages {
		switch message.Role {
		case RoleSystem:
			if strings.TrimSpace(message.Content) != "" {
				systemParts = append(systemParts, message.Content)
			}
		case RoleUser, RoleAssistant:
			messages = append(messages, anthropicMessage{Role: string(message.Role), Content: message.Content})
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	if len(messages) == 0 {
		return nil, "", &ConfigError{Provider: ProviderAnthropic, Reason: "at least one non-system message is required"}
	}
	return messages, strings.Join(systemParts, "\n\n"), nil
}
