package nodes

import (
	"context"
	"encoding/json"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const coreferenceService = "coreference-resolver"

type resolveResponse struct {
	ResolvedMessage string   `json:"resolved_message"`
	Replacements    []string `json:"replacements"`
	Method          string   `json:"method"`
}

// EarlyResolveReferences runs before intent parsing — spec.md §4.D.
func (d *Deps) EarlyResolveReferences() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		s = d.resolve(ctx, s)
		s.MarkEarlyResolved()
		return s, nil
	}
}

// LateResolveReferences runs after retrieval, since fresh context (web
// results, retrieved memories) may change referent choice — spec.md
// §4.D. Skipped if the early call already resolved and no new
// retrieval context was added.
func (d *Deps) LateResolveReferences() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		if s.EarlyResolved() && !s.RetrievalAddedContext() {
			return s, nil
		}
		return d.resolve(ctx, s), nil
	}
}

func (d *Deps) resolve(ctx context.Context, s state.State) state.State {
	history := s.Context.ConversationHistory
	if s.Context.HighlightedText != "" {
		// A synthetic one-message history wrapping the highlight,
		// not the real conversation history — spec.md §4.D.
		history = []state.ConversationMessage{{Role: "user", Content: s.Context.HighlightedText}}
	}

	payload := map[string]interface{}{
		"message":              s.Message,
		"conversation_history": history,
		"options": map[string]interface{}{
			"has_selection": s.Context.HasSelection,
		},
	}

	raw, err := d.Client.Call(ctx, coreferenceService, "resolve", payload, client.CallOptions{})
	if err != nil {
		d.logger().WarnWithContext(ctx, "coreference resolution failed, using original message", map[string]interface{}{"error": err.Error()})
		s.ResolvedMessage = s.Message
		return s
	}

	var resp resolveResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ResolvedMessage == "" {
		s.ResolvedMessage = s.Message
		return s
	}

	s.ResolvedMessage = resp.ResolvedMessage
	return s
}
