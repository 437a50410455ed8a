package nodes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const fixedStoreConfirmation = "Got it, I'll remember that."

type memoryStoreResponse struct {
	ID string `json:"id"`
}

type entityExtractResponse struct {
	Entities []string `json:"entities"`
}

// StoreMemory is used only by the memory_store subgraph — spec.md
// §4.D: writes text/tags/entities to the memory service and sets the
// reply to the classifier's suggestion, falling back to a fixed
// confirmation.
func (d *Deps) StoreMemory() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		entities := s.Intent.Entities

		payload := map[string]interface{}{
			"text":     s.Message,
			"tags":     []string{s.Intent.Type},
			"entities": entities,
			"metadata": map[string]interface{}{
				"session_id": s.Context.SessionID,
				"user_id":    s.Context.UserID,
				"entities":   entities,
			},
		}

		raw, err := d.Client.Call(ctx, longTermMemoryService, "memory.store", payload, client.CallOptions{AllowSensitive: true})
		if err != nil {
			d.logger().WarnWithContext(ctx, "memory store failed", map[string]interface{}{"error": err.Error()})
			s.MemoryStored = false
			s.Answer = fixedStoreConfirmation
			return s, nil
		}

		var resp memoryStoreResponse
		if err := json.Unmarshal(raw, &resp); err == nil {
			s.MemoryID = resp.ID
		}
		s.MemoryStored = true

		if s.Intent.SuggestedResponse != "" {
			s.Answer = s.Intent.SuggestedResponse
		} else {
			s.Answer = fixedStoreConfirmation
		}
		return s, nil
	}
}

// StoreConversation appends the (user, assistant) pair as a single
// searchable record — spec.md §4.D. Failure is logged and swallowed,
// never aborts the run.
func (d *Deps) StoreConversation() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		entities := dedupLower(append(append(append([]string{}, s.Intent.Entities...), s.SessionEntities...), d.extractAnswerEntities(ctx, s.Answer)...))

		exchange := state.ConversationExchange{
			UserMessage:     s.Message,
			AssistantAnswer: s.Answer,
			SessionID:       s.Context.SessionID,
			UserID:          s.Context.UserID,
			IntentType:      s.Intent.Type,
			Confidence:      s.Intent.Confidence,
			Entities:        entities,
			Timestamp:       s.Context.Timestamp,
		}

		_, err := d.Client.Call(ctx, conversationStoreService, "message.add", exchange, client.CallOptions{})
		if err != nil {
			d.logger().WarnWithContext(ctx, "conversation store failed", map[string]interface{}{"error": err.Error()})
			s.ConversationStored = false
			return s, nil
		}

		s.ConversationStored = true
		return s, nil
	}
}

// extractAnswerEntities calls entity.extract on the assistant's generated
// answer — spec.md §4.D requires entities "extracted from both sides" of
// the exchange, not just the user message's intent entities. Failure
// degrades to no additional entities rather than aborting the store.
func (d *Deps) extractAnswerEntities(ctx context.Context, answer string) []string {
	if strings.TrimSpace(answer) == "" {
		return nil
	}
	raw, err := d.Client.Call(ctx, intentClassifierService, "entity.extract", map[string]interface{}{"text": answer}, client.CallOptions{})
	if err != nil {
		d.logger().WarnWithContext(ctx, "answer entity extraction failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	var resp entityExtractResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return resp.Entities
}

// dedupLower deduplicates entities by lowercase value, preserving the
// first-seen casing — spec.md §4.D.
func dedupLower(entities []string) []string {
	seen := make(map[string]bool, len(entities))
	var out []string
	for _, e := range entities {
		key := strings.ToLower(e)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
