package thinking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// feedAll splits raw into chunks of size n and returns everything emitted.
func feedAll(raw string, n int) string {
	e := NewResponseExtractor()
	var sb strings.Builder
	for i := 0; i < len(raw); i += n {
		end := min(i+n, len(raw))
		sb.WriteString(e.Feed(raw[i:end]))
	}
	sb.WriteString(e.Flush())
	return sb.String()
}

func TestResponseExtractor_MatchesParse(t *testing.T) {
	replies := []string{
		`{"response": "Hello, world!", "thinking": {"confidenceLevel": "high"}}`,
		`{"thinking": {"reasoningSteps": ["a \"quoted\" step", "{not: a brace}"], "confidenceLevel": "low"}, "response": "after thinking"}`,
		`{"response": "line1\nline2\ttab \\ backslash \"quote\" \/ slash"}`,
		`{"response": "café and emoji 😀"}`,
		`{"response": "héllo wörld ✓ 日本語"}`,
		`  {"nested": {"response": "ignored"}, "response": "top level"}`,
	}

	for _, raw := range replies {
		want := Parse(raw).ResponseText
		for _, n := range []int{1, 2, 3, 7, len(raw)} {
			assert.Equal(t, want, feedAll(raw, n), "chunk size %d for %s", n, raw)
		}
	}
}

func TestResponseExtractor_Passthrough(t *testing.T) {
	raw := "  just some plain text ✓"
	for _, n := range []int{1, 4, len(raw)} {
		assert.Equal(t, raw, feedAll(raw, n))
	}

	e := NewResponseExtractor()
	e.Feed("plain")
	assert.True(t, e.Passthrough())
}

func TestResponseExtractor_HoldsPartialRunes(t *testing.T) {
	e := NewResponseExtractor()
	check := "✓" // three bytes

	out := e.Feed("x" + check[:1])
	assert.Equal(t, "x", out)

	out = e.Feed(check[1:])
	assert.Equal(t, check, out)
}

func TestResponseExtractor_EmitsIncrementally(t *testing.T) {
	e := NewResponseExtractor()

	assert.Equal(t, "", e.Feed(`{"respo`))
	assert.Equal(t, "", e.Feed(`nse": "`))
	assert.Equal(t, "He", e.Feed("He"))
	assert.Equal(t, "llo", e.Feed(`llo", "thinking": {}}`))
	assert.Equal(t, "", e.Flush())
}

func TestResponseExtractor_WhitespaceOnly(t *testing.T) {
	e := NewResponseExtractor()
	assert.Equal(t, "", e.Feed("  \n"))
	assert.Equal(t, "  \n", e.Flush())
}
