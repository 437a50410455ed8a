package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/config"
	"github.com/localfirst/orchestrator/internal/logging"
	"github.com/localfirst/orchestrator/internal/orchestrator"
	"github.com/localfirst/orchestrator/internal/registry"
	"github.com/localfirst/orchestrator/internal/telemetry"
)

// app bundles the constructed core for serve/registry commands to share
// — spec.md §9's "explicitly constructed values passed by reference"
// rearchitecture of the teacher's process-wide singletons.
type app struct {
	cfg    *config.Config
	logger logging.ComponentAwareLogger
	reg    *registry.Registry
	client *client.Client
	orch   *orchestrator.Orchestrator
	otel   *telemetry.Provider
}

// defaultCapabilities seeds the declared-action list for the five
// microservices spec.md §6 names (the four core services plus
// web-search), when a config file does not override it with an
// explicit `actions:` list.
var defaultCapabilities = map[string][]registry.Capability{
	"intent-classifier": {
		{Action: "intent.parse", Idempotent: true},
		{Action: "general.answer", Idempotent: true},
		{Action: "general.answer.stream", Idempotent: false},
		{Action: "entity.extract", Idempotent: true},
	},
	"coreference-resolver": {
		{Action: "resolve", Idempotent: true},
	},
	"long-term-memory": {
		{Action: "memory.store", Idempotent: false},
		{Action: "memory.search", Idempotent: true},
		{Action: "memory.health-check", Idempotent: true},
	},
	"conversation-store": {
		{Action: "session.create", Idempotent: false},
		{Action: "session.list", Idempotent: true},
		{Action: "session.get", Idempotent: true},
		{Action: "session.update", Idempotent: false},
		{Action: "session.delete", Idempotent: false},
		{Action: "session.switch", Idempotent: false},
		{Action: "message.add", Idempotent: false},
		{Action: "message.list", Idempotent: true},
		{Action: "message.get", Idempotent: true},
		{Action: "message.update", Idempotent: false},
		{Action: "message.delete", Idempotent: false},
		{Action: "context.get", Idempotent: true},
		{Action: "entity.list", Idempotent: true},
	},
	"web-search": {
		{Action: "search", Idempotent: true},
	},
}

// bootstrap loads config, builds the logger, registry, client, and
// orchestrator, and registers every configured (and core-defaulted)
// service — the composition root for both the serve and registry
// subcommands.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var logger logging.ComponentAwareLogger
	if cfg.Debug {
		logger, err = logging.NewDevelopment()
	} else {
		logger, err = logging.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelProvider, err := telemetry.New(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	keyProv, err := registry.NewMasterKeyProvider(cfg.DataDir, []byte(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("init encryption key: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	}

	reg := registry.New(rdb, "orchestrator", keyProv, logger.WithComponent("registry"))
	if rdb != nil {
		if err := reg.LoadFromRedis(ctx); err != nil {
			logger.Warn("registry: failed to preload catalog from redis", map[string]interface{}{"error": err.Error()})
		}
	}

	// Configured services register first, so an explicit config entry
	// for a core service's endpoint isn't shadowed by the bare default
	// registered below.
	for _, spec := range cfg.Services {
		if _, err := reg.Get(spec.Name); err == nil {
			continue
		}
		caps := defaultCapabilities[spec.Name]
		if len(spec.Actions) > 0 {
			caps = make([]registry.Capability, len(spec.Actions))
			for i, a := range spec.Actions {
				caps[i] = registry.Capability{Action: a.Name, Idempotent: a.Idempotent}
			}
		}
		if _, err := reg.Register(ctx, registry.Config{
			Name:           spec.Name,
			Endpoint:       spec.Endpoint,
			Credential:     spec.Credential,
			Capability:     caps,
			TrustLevel:     registry.TrustLevel(spec.TrustLevel),
			AllowedActions: spec.AllowedActions,
			RateLimit:      spec.RateLimit,
			Core:           spec.Core,
		}); err != nil {
			return nil, fmt.Errorf("register service %s: %w", spec.Name, err)
		}
	}

	// Any core service spec.md §6 requires that the config didn't
	// declare gets a bare placeholder record so the catalog invariant
	// "core services always present" holds even before an operator
	// points it at a real endpoint.
	for name := range registry.CoreServiceNames {
		if _, err := reg.Get(name); err == nil {
			continue
		}
		if _, err := reg.Register(ctx, registry.Config{
			Name:       name,
			TrustLevel: registry.TrustTrusted,
			Core:       true,
			Capability: defaultCapabilities[name],
		}); err != nil {
			return nil, fmt.Errorf("register core service %s: %w", name, err)
		}
	}
	svcClient := client.New(reg, nil, logger.WithComponent("client"))

	var onlineLLM *client.OnlineLLMClient
	if rec, err := reg.Get("online-llm"); err == nil && rec.Endpoint != "" {
		onlineLLM = client.NewOnlineLLMClient(rec.Endpoint)
	}

	orch := orchestrator.New(reg, svcClient, onlineLLM, logger.WithComponent("orchestrator"), orchestrator.Config{
		IterationCap: cfg.Graph.IterationCap,
		TraceRing:    cfg.Graph.TraceRing,
		RedisClient:  rdb,
		Namespace:    "orchestrator",
	})

	return &app{cfg: cfg, logger: logger, reg: reg, client: svcClient, orch: orch, otel: otelProvider}, nil
}
