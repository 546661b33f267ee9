// Package analytics derives the metrics handed to external analytics
// collaborators. Nothing in the facilitation core reads them back.
package analytics

import (
	"context"
	"time"

	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/session"
)

type RecordKind string

const (
	KindResponse       RecordKind = "response"
	KindSessionSummary RecordKind = "session_summary"
)

type Record struct {
	Kind      RecordKind      `json:"kind"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId,omitempty"`
	At        time.Time       `json:"at"`
	Response  *ResponseMetric `json:"response,omitempty"`
	Summary   *Summary        `json:"summary,omitempty"`
}

// ResponseMetric describes one facilitator reply.
type ResponseMetric struct {
	MessageID    string       `json:"messageId"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model,omitempty"`
	LatencyMS    int64        `json:"latencyMs"`
	Attempts     int          `json:"attempts"`
	Degraded     bool         `json:"degraded"`
	InputTokens  int64        `json:"inputTokens,omitempty"`
	OutputTokens int64        `json:"outputTokens,omitempty"`
	StepType     nvc.StepType `json:"stepType,omitempty"`
}

type Summary struct {
	SessionID         string         `json:"sessionId"`
	Status            session.Status `json:"status"`
	DurationSeconds   float64        `json:"durationSeconds"`
	StepsCompleted    int            `json:"stepsCompleted"`
	MessagesExchanged int            `json:"messagesExchanged"`
	AverageResponseMS float64        `json:"averageResponseMs"`
	StepScores        map[string]int `json:"stepScores"`
	DegradedReplies   int            `json:"degradedReplies"`
}

// Sink receives derived metrics. Implementations must not block the caller
// for long.
type Sink interface {
	Record(context.Context, Record)
}

type nopSink struct{}

func (nopSink) Record(context.Context, Record) {}

// Nop discards every record.
func Nop() Sink {
	return nopSink{}
}

// Summarize computes session metrics from a snapshot that includes messages.
// Duration runs from creation to the last update.
func Summarize(sess session.Session) Summary {
	out := Summary{
		SessionID:         sess.ID,
		Status:            sess.Status,
		MessagesExchanged: len(sess.Messages),
		StepScores:        make(map[string]int, len(sess.Steps)),
	}
	if !sess.UpdatedAt.Before(sess.CreatedAt) {
		out.DurationSeconds = sess.UpdatedAt.Sub(sess.CreatedAt).Seconds()
	}
	for _, step := range sess.Steps {
		if !step.Completed {
			continue
		}
		out.StepsCompleted++
		out.StepScores[string(step.Type)] = step.QualityScore
	}

	var total int64
	var replies int
	for _, msg := range sess.Messages {
		if msg.Role != session.RoleAI || msg.Metadata == nil {
			continue
		}
		if msg.Metadata.Degraded {
			out.DegradedReplies++
		}
		total += msg.Metadata.LatencyMS
		replies++
	}
	if replies > 0 {
		out.AverageResponseMS = float64(total) / float64(replies)
	}
	return out
}

// ResponseFromMessage builds a response metric from a stored reply.
func ResponseFromMessage(msg session.Message) ResponseMetric {
	out := ResponseMetric{MessageID: msg.ID}
	if msg.Metadata == nil {
		return out
	}
	meta := msg.Metadata
	out.Provider = meta.Provider
	out.Model = meta.Model
	out.LatencyMS = meta.LatencyMS
	out.Attempts = meta.Attempts
	out.Degraded = meta.Degraded
	out.InputTokens = meta.InputTokens
	out.OutputTokens = meta.OutputTokens
	out.StepType = meta.StepType
	return out
}
