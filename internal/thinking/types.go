// Package thinking holds the structured self-report a model attaches to its
// replies and the parser that turns raw model output into it.
package thinking

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is a three-step rating used for confidence, priority and influence.
type Level string

const (
	High   Level = "high"
	Medium Level = "medium"
	Low    Level = "low"
)

// ParseLevel accepts "high", "medium" or "low" in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case High, Medium, Low:
		return l, nil
	default:
		return "", fmt.Errorf("invalid level %q", s)
	}
}

// UnmarshalJSON rejects anything that is not a known level string. An empty
// string decodes as unset, like a missing field; Normalize fills it in.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("level must be a string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		*l = ""
		return nil
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Assumption is something the model took for granted while answering.
type Assumption struct {
	Text       string `json:"text"`
	Confidence Level  `json:"confidence"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// Uncertainty is an open question the model could not resolve.
type Uncertainty struct {
	Question          string   `json:"question"`
	Priority          Level    `json:"priority"`
	SuggestedContexts []string `json:"suggestedContexts"`
}

// ContextUsage reports how much an attached context shaped the answer.
type ContextUsage struct {
	ContextID    string `json:"contextId"`
	ContextTitle string `json:"contextTitle"`
	Influence    Level  `json:"influence"`
	Explanation  string `json:"explanation"`
}

// SuggestedContext is a context the model would like the user to add.
type SuggestedContext struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Reason      string `json:"reason"`
	Priority    Level  `json:"priority"`
}

// Thinking is the structured rationale attached to AI messages. After
// Normalize every slice is non-nil and ConfidenceLevel is set.
type Thinking struct {
	Assumptions       []Assumption       `json:"assumptions"`
	Uncertainties     []Uncertainty      `json:"uncertainties"`
	ConfidenceLevel   Level              `json:"confidenceLevel"`
	ReasoningSteps    []string           `json:"reasoningSteps"`
	ContextUsage      []ContextUsage     `json:"contextUsage"`
	SuggestedContexts []SuggestedContext `json:"suggestedContexts"`
}

// Normalize replaces missing arrays with empty ones and defaults every unset
// level, the overall confidence included, to medium.
func (t *Thinking) Normalize() {
	if t.Assumptions == nil {
		t.Assumptions = []Assumption{}
	}
	for i := range t.Assumptions {
		t.Assumptions[i].Confidence = orMedium(t.Assumptions[i].Confidence)
	}
	if t.Uncertainties == nil {
		t.Uncertainties = []Uncertainty{}
	}
	for i := range t.Uncertainties {
		if t.Uncertainties[i].SuggestedContexts == nil {
			t.Uncertainties[i].SuggestedContexts = []string{}
		}
		t.Uncertainties[i].Priority = orMedium(t.Uncertainties[i].Priority)
	}
	if t.ReasoningSteps == nil {
		t.ReasoningSteps = []string{}
	}
	if t.ContextUsage == nil {
		t.ContextUsage = []ContextUsage{}
	}
	for i := range t.ContextUsage {
		t.ContextUsage[i].Influence = orMedium(t.ContextUsage[i].Influence)
	}
	if t.SuggestedContexts == nil {
		t.SuggestedContexts = []SuggestedContext{}
	}
	for i := range t.SuggestedContexts {
		t.SuggestedContexts[i].Priority = orMedium(t.SuggestedContexts[i].Priority)
	}
	t.ConfidenceLevel = orMedium(t.ConfidenceLevel)
}

func orMedium(l Level) Level {
	if l == "" {
		return Medium
	}
	return l
}

// UnstructuredNote is the single assumption carried by a degraded Thinking.
const UnstructuredNote = "Response was not in the expected structured format"

// Degraded is the low-confidence placeholder used when the model reply could
// not be parsed.
func Degraded() Thinking {
	t := Thinking{
		ConfidenceLevel: Low,
		Assumptions: []Assumption{{
			Text:       UnstructuredNote,
			Confidence: Low,
		}},
	}
	t.Normalize()
	return t
}
