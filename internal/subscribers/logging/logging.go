package logging

import (
	"context"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/analytics"
)

// Subscriber writes every analytics record to the log.
type Subscriber struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Subscriber {
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, rec analytics.Record) error {
	ev := s.logger.Info().Str("kind", string(rec.Kind)).Str("session_id", rec.SessionID)
	switch {
	case rec.Response != nil:
		ev = ev.Str("provider", rec.Response.Provider).
			Int64("latency_ms", rec.Response.LatencyMS).
			Int("attempts", rec.Response.Attempts).
			Bool("degraded", rec.Response.Degraded)
	case rec.Summary != nil:
		ev = ev.Str("status", string(rec.Summary.Status)).
			Int("steps_completed", rec.Summary.StepsCompleted).
			Int("messages", rec.Summary.MessagesExchanged).
			Float64("avg_response_ms", rec.Summary.AverageResponseMS)
	}
	ev.Msg("analytics")
	return nil
}
