package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/apperr"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/nvc"
	"nvcstack.local/facilitator/internal/orchestrator"
	"nvcstack.local/facilitator/internal/session"
)

func newService(t *testing.T) *facilitation.Service {
	t.Helper()
	logger := zerolog.Nop()
	machine := session.NewMachine(logger, session.NewMemoryStore(), nil)
	orch := orchestrator.New(logger, machine, model.NewRegistry(), orchestrator.Config{})
	scheduler := session.NewScheduler(logger, 64, time.Minute)
	svc := facilitation.NewService(logger, machine, orch, scheduler, facilitation.WithQueueSize(64))
	t.Cleanup(func() {
		scheduler.Close()
		svc.Close()
	})
	return svc
}

func sampleEntries() []Entry {
	return []Entry{
		{IdempotencyKey: "m1", Action: Action{Kind: ActionSendMessage, Content: "We keep arguing about chores"}},
		{IdempotencyKey: "s1", Action: Action{Kind: ActionCompleteStep, StepType: nvc.StepObservation, UserInput: "Yesterday the bins were left full"}},
		{IdempotencyKey: "s1", Action: Action{Kind: ActionCompleteStep, StepType: nvc.StepObservation, UserInput: "Yesterday the bins were left full"}},
		{IdempotencyKey: "s3", Action: Action{Kind: ActionCompleteStep, StepType: nvc.StepNeed, UserInput: "I need support"}},
		{IdempotencyKey: "", Action: Action{Kind: ActionSendMessage, Content: "no key"}},
		{IdempotencyKey: "m2", Action: Action{Kind: ActionSendMessage, Content: "   "}},
		{IdempotencyKey: "s2", Action: Action{Kind: ActionCompleteStep, StepType: nvc.StepFeeling, UserInput: "I feel anxious and tired"}},
	}
}

func TestReconcileOutcomes(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	sess, err := svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)

	results, err := New(zerolog.Nop(), svc).Reconcile(ctx, "alice", sess.ID, sampleEntries())
	require.NoError(t, err)

	var outcomes []Outcome
	for _, res := range results {
		outcomes = append(outcomes, res.Outcome)
	}
	assert.Equal(t, []Outcome{
		OutcomeApplied,
		OutcomeApplied,
		OutcomeDuplicate,
		OutcomeConflict,
		OutcomeRejected,
		OutcomeRejected,
		OutcomeApplied,
	}, outcomes)
	assert.Equal(t, "sync_conflict", results[3].Code)
	assert.Equal(t, "validation_error", results[5].Code)
	require.NotNil(t, results[2].Step)
	assert.Equal(t, results[1].Step.ID, results[2].Step.ID)

	got, err := svc.GetSession(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, nvc.StepNeed, got.CurrentStep)
	assert.Len(t, got.Steps, 2)
}

// An offline batch ends in the same state as sending the same actions online
// one at a time.
func TestReconcileMatchesOnlineApplication(t *testing.T) {
	ctx := context.Background()
	entries := sampleEntries()

	offline := newService(t)
	offSess, err := offline.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = New(zerolog.Nop(), offline).Reconcile(ctx, "alice", offSess.ID, entries)
	require.NoError(t, err)

	online := newService(t)
	onSess, err := online.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)
	for _, e := range entries {
		switch e.Action.Kind {
		case ActionSendMessage:
			if e.IdempotencyKey == "" {
				continue
			}
			_, _, _, _ = online.SendMessage(ctx, "alice", facilitation.SendMessageRequest{
				SessionID: onSess.ID, Content: e.Action.Content, IdempotencyKey: e.IdempotencyKey,
			})
		case ActionCompleteStep:
			_, _, _, _ = online.CompleteStep(ctx, "alice", facilitation.CompleteStepRequest{
				SessionID: onSess.ID, StepType: e.Action.StepType, UserInput: e.Action.UserInput, IdempotencyKey: e.IdempotencyKey,
			})
		}
	}

	a, err := offline.GetSession(ctx, "alice", offSess.ID)
	require.NoError(t, err)
	b, err := online.GetSession(ctx, "alice", onSess.ID)
	require.NoError(t, err)

	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.CurrentStep, b.CurrentStep)
	require.Len(t, a.Steps, len(b.Steps))
	for i := range a.Steps {
		assert.Equal(t, b.Steps[i].Type, a.Steps[i].Type)
		assert.Equal(t, b.Steps[i].UserInput, a.Steps[i].UserInput)
		assert.Equal(t, b.Steps[i].QualityScore, a.Steps[i].QualityScore)
	}
	assert.Equal(t, userContents(b.Messages), userContents(a.Messages))
}

func TestReconcileUnknownSessionAborts(t *testing.T) {
	svc := newService(t)
	results, err := New(zerolog.Nop(), svc).Reconcile(context.Background(), "alice", "missing", sampleEntries())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, results)
}

func TestReconcileAfterAbandon(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	sess, err := svc.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = svc.Abandon(ctx, "alice", sess.ID)
	require.NoError(t, err)

	entries := make([]Entry, 0, 2)
	for i, kind := range []ActionKind{ActionSendMessage, ActionCompleteStep} {
		entries = append(entries, Entry{
			IdempotencyKey: fmt.Sprintf("k%d", i),
			Action:         Action{Kind: kind, Content: "hello", StepType: nvc.StepObservation, UserInput: "I saw the bins full"},
		})
	}
	results, err := New(zerolog.Nop(), svc).Reconcile(ctx, "alice", sess.ID, entries)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeRejected, results[0].Outcome)
	assert.Equal(t, OutcomeConflict, results[1].Outcome)
}

func userContents(msgs []session.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == session.RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}
