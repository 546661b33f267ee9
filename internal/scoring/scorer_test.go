package scoring

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"nvcstack.local/facilitator/internal/nvc"
)

func TestScoreEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0, Score(nvc.StepObservation, ""))
	assert.Equal(t, 0, Score(nvc.StepFeeling, "   \n\t"))
}

func TestScoreIsPure(t *testing.T) {
	inputs := []struct {
		step nvc.StepType
		text string
	}{
		{nvc.StepObservation, "When I saw you interrupt me during the meeting"},
		{nvc.StepFeeling, "I feel like nobody listens"},
		{nvc.StepNeed, "I need you to call me"},
		{nvc.StepRequest, "Would you please call me tonight?"},
	}
	for _, in := range inputs {
		first := Score(in.step, in.text)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Score(in.step, in.text))
		}
	}
}

func TestScoreObservationFactualFraming(t *testing.T) {
	got := Score(nvc.StepObservation, "When I saw you interrupt me during the meeting")
	assert.GreaterOrEqual(t, got, 70)
	assert.Equal(t, 70, got)
}

func TestScoreObservationJudgmental(t *testing.T) {
	got := Score(nvc.StepObservation, "You are always wrong and stupid")
	assert.LessOrEqual(t, got, 40)
	assert.Equal(t, 30, got)
}

func TestScoreFeelingThoughtDisguisedAsFeeling(t *testing.T) {
	got := Score(nvc.StepFeeling, "I feel that you don't respect me")
	assert.Equal(t, baseScore-15, got)
}

func TestScoreFeelingWord(t *testing.T) {
	assert.Equal(t, 80, Score(nvc.StepFeeling, "I feel frustrated"))
	assert.GreaterOrEqual(t, Score(nvc.StepFeeling, "I feel frustrated"), 50)
}

func TestScoreNeed(t *testing.T) {
	assert.Equal(t, 75, Score(nvc.StepNeed, "I need respect and rest"))
	assert.Equal(t, 30, Score(nvc.StepNeed, "I need you to listen to me"))
	assert.Equal(t, 55, Score(nvc.StepNeed, "I need them to trust me"))
}

func TestScoreRequest(t *testing.T) {
	assert.Equal(t, 80, Score(nvc.StepRequest, "Would you please call me before dinner?"))
	assert.Equal(t, 25, Score(nvc.StepRequest, "You have to call me before dinner"))
	assert.Equal(t, 70, Score(nvc.StepRequest, "Could you call me before dinner?"))
}

func TestScoreLengthAdjustments(t *testing.T) {
	// "when" gives +20, short text gives -10.
	assert.Equal(t, 60, Score(nvc.StepObservation, "When now"))

	long := "When I noticed " + strings.Repeat("the report on the table ", 10)
	assert.Equal(t, 65, Score(nvc.StepObservation, long))
}

func TestScoreMatchesWholeWordsOnly(t *testing.T) {
	// "badge" and "whenever" must not trigger the token rules.
	assert.Equal(t, 50, Score(nvc.StepObservation, "The badge on the door whenever"))
}

func TestScoreClamped(t *testing.T) {
	got := Score(nvc.StepRequest, "must")
	assert.Equal(t, 15, got)
	assert.GreaterOrEqual(t, got, 0)
}
