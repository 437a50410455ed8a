package nodes

import (
	"context"
	"strings"

	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const maxAnswerRetries = 2

// searchSentinels are the phrasings the local LLM uses when it wants to
// promise a web search it cannot itself perform — spec.md §4.D's
// "sentinel promise to search online".
var searchSentinels = []string{
	"i'll search online",
	"i will search online",
	"let me search the web",
	"i need to search for",
	"i don't have real-time",
	"i don't have access to current",
}

// ValidateAnswer inspects the generated answer for structural issues —
// spec.md §4.D. Two re-routing outcomes are possible: a promotion to
// web search, or a bounded retry; otherwise the run proceeds to
// storeConversation.
func (d *Deps) ValidateAnswer() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		s.ShouldPerformWebSearch = false
		s.NeedsRetry = false
		s.ValidationIssues = nil

		if needsWebSearchSentinel(s.Answer) {
			s.ShouldPerformWebSearch = true
			return s, nil
		}

		issues := structuralIssues(s.Answer)
		if len(issues) > 0 {
			s.ValidationIssues = issues
			streaming := s.StreamCallback != nil
			if !streaming && s.RetryCount < maxAnswerRetries {
				// Suppressed in streaming mode to avoid double output
				// — spec.md §4.D.
				s.NeedsRetry = true
				s.RetryCount++
			}
		}

		return s, nil
	}
}

func needsWebSearchSentinel(answer string) bool {
	lower := strings.ToLower(answer)
	for _, phrase := range searchSentinels {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// structuralIssues flags answers that fail validation for reasons other
// than the web-search sentinel: empty, truncated mid-sentence, or a
// raw error leaking through from the LLM call.
func structuralIssues(answer string) []string {
	var issues []string
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		issues = append(issues, "empty_answer")
		return issues
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "error:") {
		issues = append(issues, "leaked_error")
	}
	if len(trimmed) > 20 {
		last := trimmed[len(trimmed)-1]
		if last != '.' && last != '!' && last != '?' && last != '"' && last != '\'' {
			issues = append(issues, "truncated")
		}
	}
	return issues
}
