package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localfirst/orchestrator/internal/orchestrator"
	"github.com/localfirst/orchestrator/internal/state"
)

// serveCmd starts the HTTP façade over the Orchestrator's top-level
// operations — spec.md §4.E's process/execute_action/health/traces —
// grounded on kdlbs-kandev's orchestrator main.go's
// load/init/connect/serve/graceful-shutdown shape.
func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/process", handleProcess(a))
			mux.HandleFunc("/execute_action", handleExecuteAction(a))
			mux.HandleFunc("/health", handleHealth(a))
			mux.HandleFunc("/traces", handleTraces(a))

			srv := &http.Server{Addr: addr, Handler: mux}

			go func() {
				a.logger.Info("orchestratord listening", map[string]interface{}{"addr": addr})
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			// Tear down in reverse order of construction — spec.md §9:
			// the HTTP listener first, then the orchestrator, then
			// (implicitly, via process exit) the registry/client it
			// was built from, then telemetry last since it was
			// bootstrapped first in app.bootstrap.
			_ = srv.Shutdown(shutdownCtx)
			if err := a.orch.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return a.otel.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "HTTP listen address")
	return cmd
}

type processRequest struct {
	Message string               `json:"message"`
	Context state.RequestContext `json:"context"`
}

func handleProcess(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result := a.orch.Process(r.Context(), req.Message, req.Context, nil, nil)
		writeJSON(w, result)
	}
}

type executeActionRequest struct {
	Service string      `json:"service"`
	Action  string      `json:"action"`
	Payload interface{} `json:"payload"`
}

func handleExecuteAction(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result := a.orch.ExecuteAction(r.Context(), req.Service, req.Action, req.Payload, state.RequestContext{})
		writeJSON(w, result)
	}
}

func handleHealth(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.orch.Health(r.Context()))
	}
}

func handleTraces(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 50
		if v := q.Get("limit"); v != "" {
			if n, err := parsePositiveInt(v); err == nil {
				limit = n
			}
		}
		traces := a.orch.Traces(orchestrator.TraceQuery{
			Limit:        limit,
			IncludeCache: q.Get("include_cache") == "true",
			SessionID:    q.Get("session_id"),
		})
		writeJSON(w, traces)
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
