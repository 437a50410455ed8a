// Package nodes implements the Node Library (spec.md §4.D): the
// concrete nodes that consume the Service Client and produce state
// deltas for the orchestration graph. Grounded on the teacher's
// ai/chain_client.go (service invocation + graceful degradation on
// provider failure) and orchestration/workflow_engine.go (node
// functions closing over shared dependencies), generalized from "call
// an AI provider" to "call a registered microservice action".
package nodes

import (
	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/logging"
)

// Deps bundles what every node closure needs: the Service Client to
// reach microservices through, and a logger for the "log and degrade"
// failure policy spec.md §4.D states as the default.
type Deps struct {
	Client    *client.Client
	OnlineLLM *client.OnlineLLMClient // nil when no online LLM is configured
	Logger    logging.Logger
}

func (d *Deps) logger() logging.Logger {
	if d.Logger == nil {
		return logging.NoOpLogger{}
	}
	return d.Logger
}
