package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/analytics"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 1 << 20
)

type Option func(*WebhookSubscriber)

// WebhookSubscriber posts analytics records as JSON to a URL.
type WebhookSubscriber struct {
	name       string
	URL        string
	httpClient *http.Client
	logger     zerolog.Logger
	filter     func(analytics.RecordKind) bool
	headers    map[string]string
}

func New(name string, url string, logger zerolog.Logger, opts ...Option) *WebhookSubscriber {
	sub := &WebhookSubscriber{
		name:       strings.TrimSpace(name),
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *WebhookSubscriber) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithKindFilter(filter func(analytics.RecordKind) bool) Option {
	return func(s *WebhookSubscriber) {
		s.filter = filter
	}
}

// WithHeader adds a static header, typically an auth token for the receiver.
func WithHeader(key, value string) Option {
	return func(s *WebhookSubscriber) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

func (s *WebhookSubscriber) Name() string {
	return s.name
}

func (s *WebhookSubscriber) Handle(ctx context.Context, rec analytics.Record) error {
	if s.filter != nil && !s.filter(rec.Kind) {
		return nil
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		s.logger.Debug().Str("subscriber", s.name).Str("session_id", rec.SessionID).Str("kind", string(rec.Kind)).Msg("webhook delivered")
		return nil
	}

	limited := io.LimitReader(resp.Body, maxErrorBodyBytes+1)
	errorBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	return fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
}
