package nodes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const webSearchService = "web-search"

type webSearchResponse struct {
	Results []state.WebDoc `json:"results"`
}

// WebSearch queries the web search service for the resolved message —
// spec.md §4.D. Failure degrades to an empty result set rather than
// failing the run, consistent with every other retrieval node here.
func (d *Deps) WebSearch() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		msg := s.ResolvedMessage
		if msg == "" {
			msg = s.Message
		}

		raw, err := d.Client.Call(ctx, webSearchService, "search", map[string]interface{}{
			"query":       msg,
			"max_results": 5,
			"language":    "en",
		}, client.CallOptions{})
		if err != nil {
			d.logger().WarnWithContext(ctx, "web search failed", map[string]interface{}{"error": err.Error()})
			s.ContextDocs = nil
			return s, nil
		}

		var resp webSearchResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.ContextDocs = nil
			return s, nil
		}

		s.ContextDocs = resp.Results
		if len(resp.Results) > 0 {
			s.MarkRetrievalAddedContext()
		}
		return s, nil
	}
}

// SanitizeWeb truncates each result's text to a fixed character cap and
// drops entries that end up with nothing left to show — spec.md §4.D.
func (d *Deps) SanitizeWeb() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		var cleaned []state.WebDoc
		for _, doc := range s.ContextDocs {
			doc.Text = strings.TrimSpace(doc.Text)
			if r := []rune(doc.Text); len(r) > webTextCap {
				doc.Text = string(r[:webTextCap])
			}
			if doc.Text == "" {
				continue
			}
			cleaned = append(cleaned, doc)
		}
		s.ContextDocs = cleaned
		return s, nil
	}
}
