package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/localfirst/orchestrator/internal/state"
)

func TestFilterByContextSwitchKeepsRecentUnconditionally(t *testing.T) {
	history := []state.ConversationMessage{
		{Role: "user", Content: "tell me about cats", Timestamp: time.Now()},
		{Role: "assistant", Content: "cats are great", Timestamp: time.Now()},
		{Role: "user", Content: "what about dogs", Timestamp: time.Now()},
		{Role: "assistant", Content: "dogs are loyal", Timestamp: time.Now()},
		{Role: "user", Content: "and birds", Timestamp: time.Now()},
	}
	out := filterByContextSwitch(history, "do birds fly")
	assert.GreaterOrEqual(t, len(out), recentMessagesKept)
	// the last recentMessagesKept entries are always present, in order.
	assert.Equal(t, history[len(history)-recentMessagesKept:], out[len(out)-recentMessagesKept:])
}

func TestFilterByContextSwitchDropsUnrelatedOlderMessages(t *testing.T) {
	history := make([]state.ConversationMessage, 0, 8)
	for i := 0; i < 4; i++ {
		history = append(history, state.ConversationMessage{Role: "user", Content: "totally unrelated topic about pottery"})
	}
	for i := 0; i < 4; i++ {
		history = append(history, state.ConversationMessage{Role: "user", Content: "filler message"})
	}
	out := filterByContextSwitch(history, "something else entirely")
	assert.Len(t, out, recentMessagesKept, "unrelated older messages should be dropped")
}

func TestFilterByContextSwitchShortHistoryUnchanged(t *testing.T) {
	history := []state.ConversationMessage{{Role: "user", Content: "hi"}}
	out := filterByContextSwitch(history, "hi")
	assert.Equal(t, history, out)
}

func TestJaccardWithPhraseBoost(t *testing.T) {
	a := tokenize("what is the capital of France")
	b := tokenize("what is the capital of France")
	assert.Equal(t, 1.0, jaccardWithPhraseBoost(a, b))

	empty := map[string]bool{}
	assert.Equal(t, 0.0, jaccardWithPhraseBoost(a, empty))
}
