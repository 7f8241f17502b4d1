package llm

import (
	"fmt"
	"strings"
)

// ResponseContract is the part of the system prompt that fixes the output shape.
const ResponseContract = `You are a helpful AI assistant. Reply with ONE JSON object and nothing else, using exactly this shape:

{
  "response": "<your answer to the user, markdown allowed>",
  "thinking": {
    "assumptions": [{"text": "...", "confidence": "high|medium|low", "reasoning": "..."}],
    "uncertainties": [{"question": "...", "priority": "high|medium|low", "suggestedContexts": ["..."]}],
    "confidenceLevel": "high|medium|low",
    "reasoningSteps": ["..."],
    "contextUsage": [{"contextId": "...", "contextTitle": "...", "influence": "high|medium|low", "explanation": "..."}],
    "suggestedContexts": [{"title": "...", "description": "...", "reason": "...", "priority": "high|medium|low"}]
  }
}

Do not wrap the object in code fences. Escape newlines inside strings.`

const selfReport = `Be honest about how sure you are:
- List the assumptions you made and how confident you are in each.
- List the open questions that would change your answer, most important first.
- Set confidenceLevel to your overall confidence.
- For every context below that influenced the answer, add a contextUsage entry.
- If some background information is missing, describe it in suggestedContexts.`

// BuildSystemPrompt assembles the system instruction for one completion.
// Every context is appended verbatim with its id, title and description.
func BuildSystemPrompt(contexts []ContextDoc) string {
	var sb strings.Builder
	sb.WriteString(ResponseContract)
	sb.WriteString("\n\n")
	sb.WriteString(selfReport)

	if len(contexts) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\nThe user attached the following contexts. Use them as background knowledge:")
	for _, c := range contexts {
		fmt.Fprintf(&sb, "\n\n---\n## Context: %s\nid: %s\n", c.Title, c.ID)
		if c.Description != "" {
			fmt.Fprintf(&sb, "description: %s\n", c.Description)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Content)
	}
	return sb.String()
}
