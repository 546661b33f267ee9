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
	ProviderOpenAI = "openai"

	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
)

type OpenAIOption func(*OpenAIProvider)

type OpenAIProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	provider := &OpenAIProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultOpenAIEndpoint,
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

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		if client != nil {
			p.client = client
		}
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := validateRequest(ProviderOpenAI, p.apiKey, req); err != nil {
		return CompletionResponse{}, err
	}

	messages, err := buildOpenAIMessages(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	payload := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var parsed openAIResponse
	headers := map[string]string{"authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, ProviderOpenAI, p.endpoint, headers, payload, &parsed); err != nil {
		return CompletionResponse{}, err
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, errors.New("openai response contained no choices")
	}
	choice := parsed.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" {
		return CompletionResponse{}, errors.New("openai response contained no text")
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}
	return CompletionResponse{
		Content: choice.Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		Model:      modelName,
		StopReason: choice.FinishReason,
	}, nil
}

func buildOpenAIMessages(req CompletionRequest) ([]openAIMessage, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openAIMessage{Role: string(RoleSystem), Content: req.SystemPrompt})
	}
	for _, message := range req.Messages {
		switch message.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			messages = append(messages, openAIMessage{Role: string(message.Role), Content: message.Content})
		default:
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	return messages, nil
}
