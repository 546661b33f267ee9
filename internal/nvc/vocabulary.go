package nvc

import "slices"

// Feelings is the feelings vocabulary offered to users and used by scoring.
var Feelings = []string{
	"afraid", "amazed", "angry", "annoyed", "anxious", "ashamed", "calm",
	"comfortable", "confident", "confused", "content", "curious", "delighted",
	"disappointed", "discouraged", "disgusted", "embarrassed", "energized",
	"excited", "exhausted", "fearful", "frustrated", "glad", "grateful",
	"guilty", "happy", "heartbroken", "helpless", "hopeful", "hopeless",
	"hurt", "impatient", "inspired", "irritated", "jealous", "joyful",
	"lonely", "moved", "nervous", "overwhelmed", "peaceful", "proud",
	"relieved", "resentful", "sad", "scared", "shocked", "tense", "tired",
	"touched", "uneasy", "upset", "worried",
}

// Needs is the universal human needs vocabulary.
var Needs = []string{
	"acceptance", "appreciation", "autonomy", "belonging", "choice", "clarity",
	"closeness", "communication", "community", "compassion", "connection",
	"consideration", "consistency", "cooperation", "empathy", "fairness",
	"freedom", "growth", "harmony", "honesty", "inclusion", "independence",
	"integrity", "intimacy", "love", "meaning", "order", "participation",
	"peace", "play", "predictability", "purpose", "recognition",
	"reassurance", "respect", "rest", "safety", "security", "space",
	"stability", "support", "trust", "understanding", "warmth",
}

type Example struct {
	Situation   string `json:"situation"`
	Observation string `json:"observation"`
	Feeling     string `json:"feeling"`
	Need        string `json:"need"`
	Request     string `json:"request"`
}

var Examples = []Example{
	{
		Situation:   "A colleague keeps interrupting in meetings",
		Observation: "When I saw you start speaking before I finished my point twice in today's meeting",
		Feeling:     "I felt frustrated",
		Need:        "because I need respect and a chance to contribute",
		Request:     "Would you be willing to let me finish before you respond next time?",
	},
	{
		Situation:   "Dishes left in the sink",
		Observation: "When I noticed three dishes in the sink this morning",
		Feeling:     "I felt tired",
		Need:        "because I need cooperation and order at home",
		Request:     "Could you wash your dishes before going to bed tonight?",
	},
	{
		Situation:   "A friend arrives late",
		Observation: "When I heard you arrive forty minutes after the time we agreed",
		Feeling:     "I felt worried and then disappointed",
		Need:        "because I value consideration and predictability",
		Request:     "Would you please text me if you expect to be more than ten minutes late?",
	},
}

func IsFeeling(word string) bool {
	return slices.Contains(Feelings, word)
}

func IsNeed(word string) bool {
	return slices.Contains(Needs, word)
}
