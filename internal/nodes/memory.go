package nodes

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const (
	conversationStoreService = "conversation-store"
	longTermMemoryService    = "long-term-memory"

	minSimilarityFloor   = 0.35
	dedupSimilarityRatio = 0.85
	filterThreshold      = 0.70
	webTextCap           = 1000
)

type memorySearchResult struct {
	Results []state.Memory `json:"results"`
}

type contextGetResponse struct {
	Facts    []string `json:"facts"`
	Entities []string `json:"entities"`
}

type messageListResponse struct {
	Messages []state.ConversationMessage `json:"messages"`
}

// RetrieveMemory fetches three sources in parallel — spec.md §4.D:
// recent conversation messages, session facts/entities, and
// semantically similar long-term memories (skipped for meta-questions
// asking about the immediately preceding turn).
func (d *Deps) RetrieveMemory() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		var (
			wg              sync.WaitGroup
			history         []state.ConversationMessage
			facts, entities []string
			memories        []state.Memory
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			history = d.fetchConversationHistory(ctx, s)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			facts, entities = d.fetchSessionContext(ctx, s)
		}()

		if !isMetaQuestion(s.Message) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				memories = d.searchLongTermMemory(ctx, s)
			}()
		}

		wg.Wait()

		s.ConversationHistory = history
		s.SessionFacts = facts
		s.SessionEntities = entities
		s.Memories = dedupMemories(memories)
		if len(s.ContextDocs) > 0 || len(s.Memories) > 0 {
			s.MarkRetrievalAddedContext()
		}
		return s, nil
	}
}

func (d *Deps) fetchConversationHistory(ctx context.Context, s state.State) []state.ConversationMessage {
	raw, err := d.Client.Call(ctx, conversationStoreService, "message.list", map[string]interface{}{
		"session_id": s.Context.SessionID,
	}, client.CallOptions{})
	if err != nil {
		d.logger().WarnWithContext(ctx, "conversation history fetch failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	var resp messageListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	// Chronological order after reversal — spec.md §4.D.
	reversed := make([]state.ConversationMessage, len(resp.Messages))
	for i, m := range resp.Messages {
		reversed[len(resp.Messages)-1-i] = m
	}
	return reversed
}

func (d *Deps) fetchSessionContext(ctx context.Context, s state.State) ([]string, []string) {
	raw, err := d.Client.Call(ctx, conversationStoreService, "context.get", map[string]interface{}{
		"session_id": s.Context.SessionID,
	}, client.CallOptions{})
	if err != nil {
		d.logger().WarnWithContext(ctx, "session context fetch failed", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}
	var resp contextGetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil
	}
	return resp.Facts, resp.Entities
}

func (d *Deps) searchLongTermMemory(ctx context.Context, s state.State) []state.Memory {
	raw, err := d.Client.Call(ctx, longTermMemoryService, "memory.search", map[string]interface{}{
		"query":          s.Message,
		"limit":          10,
		"user_id":        s.Context.UserID,
		"min_similarity": minSimilarityFloor,
	}, client.CallOptions{})
	if err != nil {
		d.logger().WarnWithContext(ctx, "long-term memory search failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	var resp memorySearchResult
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return resp.Results
}

// isMetaQuestion detects questions about the immediately preceding
// turn (scenario 5 in spec.md §8), for which long-term search is
// skipped since the answer lives in the conversation history already
// being fetched.
func isMetaQuestion(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range []string{"what did i just say", "what did i say", "what was my last"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// dedupMemories collapses near-duplicates: a Levenshtein-based
// similarity ratio ≥0.85 keeps the highest-similarity instance —
// spec.md §4.D.
func dedupMemories(memories []state.Memory) []state.Memory {
	var out []state.Memory
	for _, m := range memories {
		dup := -1
		for i, kept := range out {
			if textSimilarityRatio(m.Text, kept.Text) >= dedupSimilarityRatio {
				dup = i
				break
			}
		}
		if dup == -1 {
			out = append(out, m)
			continue
		}
		if m.Similarity > out[dup].Similarity {
			out[dup] = m
		}
	}
	return out
}

func textSimilarityRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

// FilterMemory drops weak matches below the fixed similarity threshold
// — spec.md §4.D. Idempotent: applying twice equals applying once,
// since every surviving memory already satisfies the threshold.
func (d *Deps) FilterMemory() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		before := len(s.Memories)
		var kept []state.Memory
		for _, m := range s.Memories {
			if m.Similarity >= filterThreshold {
				kept = append(kept, m)
			}
		}
		s.FilteredMemories = kept
		s.MemoriesFiltered = before - len(kept)
		return s, nil
	}
}
