// Package model talks to the text-generation backends the facilitator can
// fall back between.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

type CompletionRequest struct {
	Model        string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionResponse struct {
	Content    string
	Usage      Usage
	Model      string
	StopReason string
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s api status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether repeating the same request could succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// IsRetryable reports whether err is worth another attempt against the same
// provider. Transport errors and timeouts are; client errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var cfgErr *ConfigError
	return !errors.As(err, &cfgErr)
}

// ConfigError marks requests that can never succeed, such as a missing API
// key.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func validateRequest(provider, apiKey string, req CompletionRequest) error {
	if strings.TrimSpace(apiKey) == "" {
		return &ConfigError{Provider: provider, Reason: "api key is required"}
	}
	if strings.TrimSpace(req.Model) == "" {
		return &ConfigError{Provider: provider, Reason: "model is required"}
	}
	if req.MaxTokens <= 0 {
		return &ConfigError{Provider: provider, Reason: "max tokens must be greater than zero"}
	}
	if len(req.Messages) == 0 {
		return &ConfigError{Provider: provider, Reason: "at least one message is required"}
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", provider, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", provider, err)
	}
	httpReq.Header.Set("content-type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s api: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(provider, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}

func parseAPIError(provider string, status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed errorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{Provider: provider, StatusCode: status, Message: message}
}
