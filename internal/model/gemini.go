package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderGemini = "gemini"

	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
)

type GeminiOption func(*GeminiProvider)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGeminiProvider(apiKey string, opts ...GeminiOption) *GeminiProvider {
	provider := &GeminiProvider{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: defaultGeminiBaseURL,
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

// WithGeminiBaseURL sets the models collection URL; the model name and
// ":generateContent" are appended per request.
func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(p *GeminiProvider) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			p.baseURL = trimmed
		}
	}
}

func WithGeminiHTTPClient(client *http.Client) GeminiOption {
	return func(p *GeminiProvider) {
		if client != nil {
			p.client = client
		}
	}
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
	ModelVersion  string            `json:"modelVersion"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

var _ Provider = (*GeminiProvider)(nil)

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := validateRequest(ProviderGemini, p.apiKey, req); err != nil {
		return CompletionResponse{}, err
	}

	payload, err := buildGeminiRequest(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	endpoint := fmt.Sprintf("%s/%s:generateContent", p.baseURL, url.PathEscape(req.Model))

	var parsed geminiResponse
	headers := map[string]string{"x-goog-api-key": p.apiKey}
	if err := postJSON(ctx, p.client, ProviderGemini, endpoint, headers, payload, &parsed); err != nil {
		return CompletionResponse{}, err
	}
	if len(parsed.Candidates) == 0 {
		return CompletionResponse{}, errors.New("gemini response contained no candidates")
	}
	candidate := parsed.Candidates[0]
	var builder strings.Builder
	for _, part := range candidate.Content.Parts {
		builder.WriteString(part.Text)
	}
	content := builder.String()
	if strings.TrimSpace(content) == "" {
		return CompletionResponse{}, errors.New("gemini response contained no text")
	}

	modelName := parsed.ModelVersion
	if modelName == "" {
		modelName = req.Model
	}
	return CompletionResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
		Model:      modelName,
		StopReason: candidate.FinishReason,
	}, nil
}

func buildGeminiRequest(req CompletionRequest) (geminiRequest, error) {
	out := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	system := make([]geminiPart, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		system = append(system, geminiPart{Text: req.SystemPrompt})
	}
	for _, message := range req.Messages {
		switch message.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: message.Content})
		case RoleUser:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: message.Content}}})
		case RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: message.Content}}})
		default:
			return geminiRequest{}, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	if len(out.Contents) == 0 {
		return geminiRequest{}, &ConfigError{Provider: ProviderGemini, Reason: "at least one non-system message is required"}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out, nil
}
