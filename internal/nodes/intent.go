package nodes

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const intentClassifierService = "intent-classifier"

// commandPatterns and screenPatterns are the small fixed set of
// high-confidence patterns the classifier is known to miss — spec.md
// §4.D's parseIntent pre-checks.
var (
	commandPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(open|close)\s+\S+`),
		regexp.MustCompile(`(?i)^(go\s*to|goto)\s+\S+.*\band\b`),
	}
	screenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(what('?s| is)\s+on\s+(my\s+)?screen|what\s+am\s+i\s+looking\s+at)\b`),
		regexp.MustCompile(`(?i)\bwhat\s+does\s+this\s+(say|mean)\b`),
	}
)

type intentParseResponse struct {
	Intent            string   `json:"intent"`
	Confidence        float64  `json:"confidence"`
	Entities          []string `json:"entities"`
	RequiresMemory    bool     `json:"requires_memory"`
	SuggestedResponse string   `json:"suggested_response,omitempty"`
}

// ParseIntent classifies the original message — spec.md §4.D. It
// consults the original `Message`, never `ResolvedMessage`, because
// coreference can corrupt demonstratives that point at screen content.
func (d *Deps) ParseIntent() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		msg := s.Message

		if s.Context.HighlightedText == "" {
			// Screen-intelligence follow-up: a prior turn classified as
			// screen_intelligence and this turn looks like a follow-up
			// question with no new screen marker.
			if lastTurnWasScreenIntelligence(s.Context.ConversationHistory) && looksLikeFollowUp(msg) {
				s.Intent = state.Intent{Type: "screen_intelligence", Confidence: 1.0, RequiresMemory: false}
				return s, nil
			}
			if matchesAny(commandPatterns, msg) {
				s.Intent = state.Intent{Type: "command_execute", Confidence: 1.0, RequiresMemory: false}
				return s, nil
			}
			if matchesAny(screenPatterns, msg) {
				s.Intent = state.Intent{Type: "screen_intelligence", Confidence: 1.0, RequiresMemory: false}
				return s, nil
			}
		}

		recent := lastN(s.Context.ConversationHistory, 5)
		payload := map[string]interface{}{
			"message":              msg,
			"session_id":           s.Context.SessionID,
			"user_id":              s.Context.UserID,
			"conversation_history": recent,
		}

		raw, err := d.Client.Call(ctx, intentClassifierService, "intent.parse", payload, client.CallOptions{})
		if err != nil {
			d.logger().WarnWithContext(ctx, "intent classification failed, defaulting to general_query", map[string]interface{}{"error": err.Error()})
			s.Intent = state.Intent{Type: "general_query", Confidence: 0, RequiresMemory: true}
			return s, nil
		}

		var resp intentParseResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.Intent = state.Intent{Type: "general_query", Confidence: 0, RequiresMemory: true}
			return s, nil
		}

		s.Intent = state.Intent{
			Type:              resp.Intent,
			Confidence:        resp.Confidence,
			Entities:          resp.Entities,
			RequiresMemory:    resp.RequiresMemory,
			SuggestedResponse: resp.SuggestedResponse,
		}
		return s, nil
	}
}

func matchesAny(patterns []*regexp.Regexp, msg string) bool {
	for _, p := range patterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}

func lastTurnWasScreenIntelligence(history []state.ConversationMessage) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			return strings.Contains(strings.ToLower(history[i].Content), "on your screen")
		}
	}
	return false
}

func looksLikeFollowUp(msg string) bool {
	lower := strings.ToLower(strings.TrimSpace(msg))
	for _, prefix := range []string{"what about", "and", "also", "what else"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func lastN(history []state.ConversationMessage, n int) []state.ConversationMessage {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
