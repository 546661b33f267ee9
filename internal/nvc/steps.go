// Package nvc describes the four expression steps, their guidance prompts and
// the vocabulary the facilitator draws on.
package nvc

import (
	"fmt"
	"strings"
)

type StepType string

const (
	StepObservation StepType = "observation"
	StepFeeling     StepType = "feeling"
	StepNeed        StepType = "need"
	StepRequest     StepType = "request"
	// StepCompleted is the pseudo-step a session reaches after request.
	StepCompleted StepType = "completed"
)

// Order is the fixed expression order. StepCompleted is not part of it.
var Order = []StepType{StepObservation, StepFeeling, StepNeed, StepRequest}

func ParseStepType(raw string) (StepType, error) {
	step := StepType(strings.ToLower(strings.TrimSpace(raw)))
	if !step.Valid() {
		return "", fmt.Errorf("unknown step type %q", raw)
	}
	return step, nil
}

// Valid reports whether s is one of the four expression steps.
func (s StepType) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of s in Order, or -1.
func (s StepType) Index() int {
	for i, step := range Order {
		if step == s {
			return i
		}
	}
	return -1
}

// Next returns the step that follows s, StepCompleted after request.
func (s StepType) Next() StepType {
	idx := s.Index()
	if idx < 0 {
		return StepCompleted
	}
	if idx+1 >= len(Order) {
		return StepCompleted
	}
	return Order[idx+1]
}

// Previous returns the step before s and false for observation.
func (s StepType) Previous() (StepType, bool) {
	idx := s.Index()
	if idx <= 0 {
		return "", false
	}
	return Order[idx-1], true
}

func (s StepType) Title() string {
	switch s {
	case StepObservation:
		return "Observation"
	case StepFeeling:
		return "Feeling"
	case StepNeed:
		return "Need"
	case StepRequest:
		return "Request"
	case StepCompleted:
		return "Completed"
	default:
		return string(s)
	}
}

// Context is the optional situation a session is opened with.
type Context struct {
	TriggerDescription string   `json:"triggerDescription,omitempty"`
	Participants       []string `json:"participants,omitempty"`
	Urgency            string   `json:"urgency,omitempty"`
}

func (c *Context) trigger() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.TriggerDescription)
}
