package nodes

import (
	"context"
	_ "embed"
	"encoding/json"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/state"
)

const (
	localLLMService = "intent-classifier" // general.answer lives on the same microservice as intent.parse, per spec.md §6
	onlineLLMName   = "online-llm"

	recentMessagesKept   = 4
	relevanceThreshold   = 0.30
	fastModeHistoryCap   = 2
	fastModeMessageChars = 60
)

type answerResponse struct {
	Answer   string `json:"answer"`
	Metadata struct {
		Model    string `json:"model"`
		Tokens   int    `json:"tokens"`
		Duration int64  `json:"duration_ms"`
	} `json:"metadata"`
}

//go:embed answer_profiles.yaml
var answerProfilesYAML []byte

// intentAnswerProfile pairs the compact system-instruction block with
// the token budget for one intent type — spec.md §4.D: "a compact
// system-instruction block whose content is chosen by intent" and
// "short [budget] for confirmations, large for screen-intelligence".
// Declared in YAML and parsed the same way the teacher's
// orchestration/workflow_engine.go loads a WorkflowDefinition, since
// both are a per-intent/per-step table an operator may eventually want
// to override without a rebuild.
type intentAnswerProfile struct {
	SystemInstruction string `yaml:"system_instruction"`
	MaxTokens         int    `yaml:"max_tokens"`
}

const defaultSystemInstruction = "Answer the user's question directly and concisely."
const defaultTokenBudget = 256

var answerProfiles = loadAnswerProfiles()

func loadAnswerProfiles() map[string]intentAnswerProfile {
	var profiles map[string]intentAnswerProfile
	if err := yaml.Unmarshal(answerProfilesYAML, &profiles); err != nil {
		// answer_profiles.yaml is a fixed build-time asset, not operator
		// input — a parse failure here is a programming error.
		panic("nodes: invalid answer_profiles.yaml: " + err.Error())
	}
	return profiles
}

// Answer generates the final natural-language reply — spec.md §4.D.
func (d *Deps) Answer() graph.NodeFunc {
	return func(ctx context.Context, s state.State) (state.State, error) {
		queryMessage := s.ResolvedMessage
		if queryMessage == "" || s.Intent.Type == "screen_intelligence" {
			// §4.D's screen-intelligence exception: coreference still
			// ran, but the answer node reads the original message —
			// the wasted resolution cost is accepted per SPEC_FULL §4.
			queryMessage = s.Message
		}

		history := filterByContextSwitch(s.ConversationHistory, queryMessage)
		profile, ok := answerProfiles[s.Intent.Type]
		instruction := profile.SystemInstruction
		if !ok || instruction == "" {
			instruction = defaultSystemInstruction
		}
		budget := profile.MaxTokens
		if budget == 0 {
			budget = defaultTokenBudget
		}
		fastMode := len(history) <= fastModeHistoryCap && len(s.ContextDocs) == 0 && len(s.FilteredMemories) == 0 && len(queryMessage) <= fastModeMessageChars

		payload := map[string]interface{}{
			"query":                queryMessage,
			"system_instruction":   instruction,
			"max_tokens":           budget,
			"fast_mode":            fastMode,
			"conversation_history": history,
			"session_facts":        s.SessionFacts,
			"session_entities":     s.SessionEntities,
			"memories":             s.FilteredMemories,
			"context_docs":         s.ContextDocs,
		}

		answer, metadata, err := d.generate(ctx, s, payload, queryMessage)
		if err != nil {
			return s, err
		}

		s.Answer = answer
		s.AnswerMetadata = metadata
		return s, nil
	}
}

// generate dispatches to the online LLM (when requested) with silent
// fallback to local, and picks streaming vs. blocking delivery —
// spec.md §4.D.
func (d *Deps) generate(ctx context.Context, s state.State, payload map[string]interface{}, queryMessage string) (string, state.AnswerMetadata, error) {
	useStream := s.StreamCallback != nil && s.RetryCount == 0 // retries stream double output — spec.md §4.D

	if s.Context.UseOnlineMode && d.OnlineLLM != nil {
		convoCtx, _ := json.Marshal(payload)
		var tokens []string
		onToken := func(c client.StreamChunk) error {
			if c.Done {
				return nil
			}
			tokens = append(tokens, c.Token)
			if useStream {
				return s.StreamCallback(c.Token)
			}
			return nil
		}
		text, err := d.OnlineLLM.Generate(ctx, queryMessage, string(convoCtx), onToken)
		if err == nil && text != "" {
			return text, state.AnswerMetadata{Model: onlineLLMName}, nil
		}
		// Online-mode fallback silence — spec.md §9 open question,
		// preserved as flagged: we warn but do not narrate the
		// fallback in the top-level response.
		d.logger().WarnWithContext(ctx, "online LLM failed, falling back to local", map[string]interface{}{
			"error_present": err != nil,
		})
	}

	if useStream {
		answer, meta, err := d.streamLocal(ctx, s, payload)
		if err == nil && answer != "" {
			return answer, meta, nil
		}
		// Streaming yielded zero tokens: fall back to blocking and
		// deliver the whole answer through the callback — spec.md §4.D.
	}

	return d.blockingLocal(ctx, s, payload)
}

func (d *Deps) streamLocal(ctx context.Context, s state.State, payload map[string]interface{}) (string, state.AnswerMetadata, error) {
	var sb strings.Builder
	onToken := func(c client.StreamChunk) error {
		if c.Done {
			return nil
		}
		sb.WriteString(c.Token)
		return s.StreamCallback(c.Token)
	}
	text, err := d.Client.CallStream(ctx, localLLMService, "general.answer.stream", payload, onToken, nil, client.CallOptions{})
	if err != nil {
		return "", state.AnswerMetadata{}, nil // degrade to blocking fallback, not a hard failure
	}
	if text == "" {
		text = sb.String()
	}
	return text, state.AnswerMetadata{Model: localLLMService}, nil
}

func (d *Deps) blockingLocal(ctx context.Context, s state.State, payload map[string]interface{}) (string, state.AnswerMetadata, error) {
	raw, err := d.Client.Call(ctx, localLLMService, "general.answer", payload, client.CallOptions{})
	if err != nil {
		// Hard failure: no fallback remains — spec.md §4.D "Hard
		// failures (e.g. LLM unavailable with no fallback) do abort."
		return "", state.AnswerMetadata{}, err
	}

	var resp answerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", state.AnswerMetadata{}, err
	}

	answer := resp.Answer
	if s.StreamCallback != nil && answer != "" {
		// Streaming yielded nothing upstream; deliver the whole answer
		// through the callback now — spec.md §4.D.
		_ = s.StreamCallback(answer)
	}

	model := resp.Metadata.Model
	if model == "" {
		model = localLLMService
	}
	return answer, state.AnswerMetadata{
		Model:    model,
		Tokens:   resp.Metadata.Tokens,
		Duration: 0,
	}, nil
}

// filterByContextSwitch keeps the last N messages unconditionally and
// scores older ones by Jaccard-with-phrase-boost against the current
// query, dropping those below relevanceThreshold — spec.md §4.D.
// Purely additive: no message is rewritten.
func filterByContextSwitch(history []state.ConversationMessage, query string) []state.ConversationMessage {
	if len(history) <= recentMessagesKept {
		return history
	}

	recent := history[len(history)-recentMessagesKept:]
	older := history[:len(history)-recentMessagesKept]

	queryTokens := tokenize(query)
	var kept []state.ConversationMessage
	for _, msg := range older {
		if jaccardWithPhraseBoost(queryTokens, tokenize(msg.Content)) >= relevanceThreshold {
			kept = append(kept, msg)
		}
	}
	return append(kept, recent...)
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

// jaccardWithPhraseBoost is plain Jaccard similarity over token sets,
// boosted by 0.15 (capped at 1) when sharesPhrase finds at least two
// distinct tokens in common. Word order is not considered: the inputs
// are token sets, so a contiguous phrase is not detected as such.
func jaccardWithPhraseBoost(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	score := float64(intersection) / float64(union)

	if sharesPhrase(a, b) {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}

func sharesPhrase(a, b map[string]bool) bool {
	// A cheap phrase signal: both sets share at least 2 distinct
	// tokens, which for short messages usually means a shared phrase
	// rather than two unrelated common words.
	shared := 0
	keys := make([]string, 0, len(a))
	for w := range a {
		keys = append(keys, w)
	}
	sort.Strings(keys)
	for _, w := range keys {
		if b[w] {
			shared++
			if shared >= 2 {
				return true
			}
		}
	}
	return false
}
