package nvc

import (
	"fmt"
	"strings"
)

var guidancePrompts = map[StepType]string{
	StepObservation: "What did you see or hear that triggered your reaction? Describe it the way a camera would record it, without evaluation.",
	StepFeeling:     "How did you feel when that happened? Try naming an emotion rather than a thought about the other person.",
	StepNeed:        "What need of yours was or wasn't being met in that moment? Think of something universal, like respect, rest or connection.",
	StepRequest:     "What concrete, doable request could you make to help meet that need? Phrase it as something you would like, not something they must do.",
	StepCompleted:   "You have expressed all four steps. Take a moment to read your full statement back and notice how it lands.",
}

var clarifyPrompts = map[StepType]string{
	StepObservation: "Let's stay with the observation a little longer. Can you describe only what happened, leaving out words like always, never or should?",
	StepFeeling:     "It sounds like that may be a thought about the situation. If you check in with your body, which emotion is there: frustrated, hurt, anxious, something else?",
	StepNeed:        "That sounds like a strategy involving someone else. Underneath it, what do you need for yourself, such as trust, support or understanding?",
	StepRequest:     "Could you turn that into a request the other person is free to say no to? Starting with \"Would you be willing to...\" often helps.",
}

// Guidance returns the prompt that introduces step. It has no side effects.
func Guidance(step StepType, ctx *Context) string {
	prompt, ok := guidancePrompts[step]
	if !ok {
		prompt = guidancePrompts[StepObservation]
	}
	if trigger := ctx.trigger(); trigger != "" && step == StepObservation {
		return fmt.Sprintf("You mentioned: %q. %s", trigger, prompt)
	}
	return prompt
}

// ClarifyingGuidance returns the prompt used when the previous answer for step
// scored below the advisory threshold.
func ClarifyingGuidance(step StepType) string {
	if prompt, ok := clarifyPrompts[step]; ok {
		return prompt
	}
	return Guidance(step, nil)
}

// ScriptedReply is the deterministic facilitator reply used when no provider
// is reachable.
func ScriptedReply(current StepType, ctx *Context, clarify bool) string {
	var b strings.Builder
	if clarify {
		b.WriteString("Thank you for sharing that. ")
		b.WriteString(ClarifyingGuidance(current))
		return b.String()
	}
	if current == StepCompleted {
		b.WriteString("Thank you for working through all four steps. ")
		b.WriteString(guidancePrompts[StepCompleted])
		return b.String()
	}
	fmt.Fprintf(&b, "Thank you. Let's focus on the %s step. ", strings.ToLower(current.Title()))
	b.WriteString(Guidance(current, ctx))
	return b.String()
}

// SystemPrompt is the facilitator persona sent to providers.
func SystemPrompt(current StepType, ctx *Context, clarify bool) string {
	var b strings.Builder
	b.WriteString("You are a warm, concise facilitator of Nonviolent Communication. ")
	b.WriteString("Guide the user through observation, feeling, need and request, one step at a time. ")
	b.WriteString("Never diagnose or judge; reflect back what you hear and ask one question at a time.\n")
	fmt.Fprintf(&b, "Current step: %s.\n", current.Title())
	if clarify {
		fmt.Fprintf(&b, "The user's last answer did not yet fit the step. Gently help them refine it before moving on: %s\n", ClarifyingGuidance(current))
	} else {
		fmt.Fprintf(&b, "Step prompt: %s\n", Guidance(current, ctx))
	}
	if ctx != nil {
		if trigger := ctx.trigger(); trigger != "" {
			fmt.Fprintf(&b, "Situation: %s\n", trigger)
		}
		if len(ctx.Participants) > 0 {
			fmt.Fprintf(&b, "People involved: %s\n", strings.Join(ctx.Participants, ", "))
		}
		if urgency := strings.TrimSpace(ctx.Urgency); urgency != "" {
			fmt.Fprintf(&b, "Urgency: %s\n", urgency)
		}
	}
	return b.String()
}
