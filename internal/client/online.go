package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/localfirst/orchestrator/internal/apperr"
)

// onlineMessage is the envelope shared by every frame of the online-LLM
// bidirectional protocol — spec.md §6's `llm_request` →
// `llm_stream_start`/`llm_stream_chunk`/`llm_stream_end`/`error`
// sequence. Grounded on kdlbs-kandev's pkg/websocket.Message envelope
// ({id, type/action, payload, timestamp}), narrowed to this protocol's
// fixed action vocabulary.
type onlineMessage struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type llmRequestPayload struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

type llmChunkPayload struct {
	Token string `json:"token"`
}

type llmErrorPayload struct {
	Message string `json:"message"`
}

// OnlineLLMClient dials the optional online-LLM microservice over a
// persistent WebSocket connection and speaks the request/stream-chunk
// protocol spec.md §6 names as the one exception to the uniform
// HTTP/{action} transport the rest of the registry's services use.
type OnlineLLMClient struct {
	endpoint string
	dialer   *websocket.Dialer
}

// NewOnlineLLMClient builds a client for the online LLM at endpoint
// (a ws:// or wss:// URL).
func NewOnlineLLMClient(endpoint string) *OnlineLLMClient {
	return &OnlineLLMClient{endpoint: endpoint, dialer: websocket.DefaultDialer}
}

// Generate sends prompt and streams tokens through onToken until the
// server sends llm_stream_end, the connection errors, or ctx is
// cancelled. Returns the concatenated answer.
func (o *OnlineLLMClient) Generate(ctx context.Context, prompt, convoContext string, onToken func(StreamChunk) error) (string, error) {
	conn, _, err := o.dialer.DialContext(ctx, o.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("online llm dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	reqPayload, _ := json.Marshal(llmRequestPayload{Prompt: prompt, Context: convoContext})
	req := onlineMessage{ID: fmt.Sprintf("req-%d", time.Now().UnixNano()), Action: "llm_request", Payload: reqPayload}
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("online llm request: %w", err)
	}

	var full []byte
	for {
		var msg onlineMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return string(full), apperr.ErrTimeout
			}
			return string(full), fmt.Errorf("online llm stream: %w", err)
		}

		switch msg.Action {
		case "llm_stream_start":
			continue
		case "llm_stream_chunk":
			var chunk llmChunkPayload
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				continue
			}
			full = append(full, chunk.Token...)
			if onToken != nil {
				if err := onToken(StreamChunk{Token: chunk.Token}); err != nil {
					return string(full), err
				}
			}
		case "llm_stream_end":
			if onToken != nil {
				onToken(StreamChunk{Done: true})
			}
			return string(full), nil
		case "error":
			var errPayload llmErrorPayload
			json.Unmarshal(msg.Payload, &errPayload)
			return string(full), &apperr.ServiceCallFailed{Service: "online-llm", Action: "llm_request", Cause: fmt.Errorf("%s", errPayload.Message)}
		}
	}
}
