package thinking

import (
	"encoding/json"
	"strings"
)

// Result is the outcome of parsing one model reply.
type Result struct {
	ResponseText string   `json:"response"`
	Thinking     Thinking `json:"thinking"`
	// Structured is false when the reply did not follow the JSON contract
	// and Thinking is the degraded placeholder.
	Structured bool `json:"-"`
}

type envelope struct {
	Response *string   `json:"response"`
	Thinking *Thinking `json:"thinking"`
}

// Parse decodes a raw model reply of the form {"response": ..., "thinking": ...}.
// It never fails: replies that are not JSON or violate the shape come back
// with the raw text as ResponseText and a Degraded thinking object.
func Parse(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return degraded(raw)
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return degraded(raw)
	}
	if env.Response == nil {
		return degraded(raw)
	}

	var t Thinking
	if env.Thinking != nil {
		t = *env.Thinking
	}
	t.Normalize()

	return Result{
		ResponseText: *env.Response,
		Thinking:     t,
		Structured:   true,
	}
}

func degraded(raw string) Result {
	return Result{
		ResponseText: raw,
		Thinking:     Degraded(),
	}
}
