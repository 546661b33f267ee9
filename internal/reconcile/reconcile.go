// Package reconcile applies batches of actions queued by a client while it was
// offline.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/session"
)

type ActionKind string

const (
	ActionSendMessage  ActionKind = "send_message"
	ActionCompleteStep ActionKind = "complete_step"
)

type Action struct {
	Kind      ActionKind   `json:"kind"`
	Content   string       `json:"content,omitempty"`
	StepType  nvc.StepType `json:"stepType,omitempty"`
	UserInput string       `json:"userInput,omitempty"`
}

// Entry is one queued action. LocalTimestamp is informational; entries are
// applied in the order given.
type Entry struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	Action         Action    `json:"action"`
	LocalTimestamp time.Time `json:"localTimestamp"`
	DeviceID       string    `json:"deviceId,omitempty"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
	OutcomeRejected  Outcome = "rejected"
)

type Result struct {
	IdempotencyKey string           `json:"idempotencyKey"`
	Outcome        Outcome          `json:"outcome"`
	Message        *session.Message `json:"message,omitempty"`
	Step           *session.Step    `json:"step,omitempty"`
	Code           string           `json:"code,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Applier is the subset of the facilitation service a batch needs.
type Applier interface {
	SendMessage(ctx context.Context, userID string, req facilitation.SendMessageRequest) (session.Message, session.Outcome, <-chan facilitation.Reply, error)
	CompleteStep(ctx context.Context, userID string, req facilitation.CompleteStepRequest) (session.Step, session.Outcome, <-chan facilitation.Reply, error)
}

type Reconciler struct {
	logger  zerolog.Logger
	applier Applier
}

func New(logger zerolog.Logger, applier Applier) *Reconciler {
	return &Reconciler{logger: logger, applier: applier}
}

// Reconcile applies entries in order and returns one result per entry.
// Entries the session state no longer allows are reported, not retried. The
// batch stops with an error only when the session itself is unavailable; the
// results gathered so far are returned alongside it.
func (r *Reconciler) Reconcile(ctx context.Context, userID, sessionID string, entries []Entry) ([]Result, error) {
	results := make([]Result, 0, len(entries))
	for i, entry := range entries {
		res, err := r.apply(ctx, userID, sessionID, entry)
		if err != nil {
			return results, fmt.Errorf("sync entry %d: %w", i, err)
		}
		results = append(results, res)
	}

	r.logger.Info().
		Str("session_id", sessionID).
		Int("entries", len(entries)).
		Int("conflicts", countOutcome(results, OutcomeConflict)).
		Int("rejected", countOutcome(results, OutcomeRejected)).
		Msg("sync batch reconciled")
	return results, nil
}

func (r *Reconciler) apply(ctx context.Context, userID, sessionID string, entry Entry) (Result, error) {
	res := Result{IdempotencyKey: entry.IdempotencyKey}
	if entry.IdempotencyKey == "" {
		return reject(res, apperr.Invalidf("idempotency key is required")), nil
	}

	switch entry.Action.Kind {
	case ActionSendMessage:
		msg, outcome, _, err := r.applier.SendMessage(ctx, userID, facilitation.SendMessageRequest{
			SessionID:      sessionID,
			Content:        entry.Action.Content,
			IdempotencyKey: entry.IdempotencyKey,
			DeviceID:       entry.DeviceID,
		})
		if err != nil {
			return r.classify(res, sessionID, entry, err, false)
		}
		res.Outcome = Outcome(outcome)
		res.Message = &msg
		return res, nil

	case ActionCompleteStep:
		step, outcome, _, err := r.applier.CompleteStep(ctx, userID, facilitation.CompleteStepRequest{
			SessionID:      sessionID,
			StepType:       entry.Action.StepType,
			UserInput:      entry.Action.UserInput,
			IdempotencyKey: entry.IdempotencyKey,
			DeviceID:       entry.DeviceID,
		})
		if err != nil {
			return r.classify(res, sessionID, entry, err, true)
		}
		res.Outcome = Outcome(outcome)
		res.Step = &step
		return res, nil

	default:
		return reject(res, apperr.Invalidf("unknown action %q", entry.Action.Kind)), nil
	}
}

// classify turns a per-entry failure into a result. A step completion that no
// longer fits the session state is a conflict: another device moved the
// session on first.
func (r *Reconciler) classify(res Result, sessionID string, entry Entry, err error, stepAction bool) (Result, error) {
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition) && stepAction:
		conflict := fmt.Errorf("%w: %w", apperr.ErrSyncConflict, err)
		r.logger.Warn().
			Err(conflict).
			Str("session_id", sessionID).
			Str("idempotency_key", entry.IdempotencyKey).
			Str("device_id", entry.DeviceID).
			Str("step_type", string(entry.Action.StepType)).
			Msg("sync entry conflicts with session state")
		res.Outcome = OutcomeConflict
		res.Code = apperr.Code(apperr.ErrSyncConflict)
		res.Error = err.Error()
		return res, nil
	case errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrRateLimitExceeded):
		return reject(res, err), nil
	default:
		return res, err
	}
}

func reject(res Result, err error) Result {
	res.Outcome = OutcomeRejected
	res.Code = apperr.Code(err)
	res.Error = err.Error()
	return res
}

func countOutcome(results []Result, outcome Outcome) int {
	n := 0
	for _, res := range results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}
