// Package config loads the orchestrator's configuration from an
// optional YAML file overlaid with environment variables, grounded on
// harunnryd-heike/internal/config: koanf with the yaml parser and an
// env provider feeding a tagged struct tree.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration surface named in spec.md §6.
type Config struct {
	Debug         bool            `koanf:"debug"`
	EncryptionKey string          `koanf:"encryption_key"`
	DataDir       string          `koanf:"data_dir"`
	Redis         RedisConfig     `koanf:"redis"`
	Services      []ServiceSpec   `koanf:"services"`
	Graph         GraphConfig     `koanf:"graph"`
	Telemetry     TelemetryConfig `koanf:"telemetry"`
}

// TelemetryConfig configures the optional OTLP/HTTP trace exporter and
// in-process meter provider — an empty Endpoint leaves OTel's default
// no-op global providers in place.
type TelemetryConfig struct {
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}

// RedisConfig configures the optional Redis-backed registry persistence.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// ServiceSpec is the on-disk shape of a pre-declared microservice,
// loaded at startup and fed to the registry's Register operation.
type ServiceSpec struct {
	Name           string        `koanf:"name"`
	Endpoint       string        `koanf:"endpoint"`
	Credential     string        `koanf:"credential"`
	TrustLevel     string        `koanf:"trust_level"`
	AllowedActions []string      `koanf:"allowed_actions"`
	RateLimit      int           `koanf:"rate_limit"`
	Core           bool          `koanf:"core"`
	Timeout        time.Duration `koanf:"timeout"`
	Actions        []ActionSpec  `koanf:"actions"`
}

// ActionSpec declares one action a configured service supports — part
// of spec.md §3's Service Record "capability descriptor".
type ActionSpec struct {
	Name       string `koanf:"name"`
	Idempotent bool   `koanf:"idempotent"`
}

// GraphConfig tunes the StateGraph engine.
type GraphConfig struct {
	IterationCap int `koanf:"iteration_cap"`
	TraceRing    int `koanf:"trace_ring"`
}

// Default returns the configuration baseline before any file/env
// overlay is applied.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Graph: GraphConfig{
			IterationCap: 50,
			TraceRing:    200,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "orchestratord",
		},
	}
}

// Load reads configPath (if non-empty and present) and overlays the
// ORCH_-prefixed environment, matching the teacher's HEIKE_ prefix
// convention.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(structProvider(cfg), nil); err != nil {
		return nil, fmt.Errorf("config: seed defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("ORCH_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "ORCH_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	out := Default()
	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if out.EncryptionKey == "" {
		out.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	}
	if os.Getenv("DEBUG") != "" {
		out.Debug = true
	}

	return out, nil
}

// structProvider seeds koanf with the already-built defaults so the
// file/env overlays only need to set what they override.
func structProvider(cfg *Config) koanf.Provider {
	return &defaultsProvider{cfg: cfg}
}

type defaultsProvider struct{ cfg *Config }

func (d *defaultsProvider) ReadBytes() ([]byte, error) { return nil, nil }

func (d *defaultsProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"data_dir":               d.cfg.DataDir,
		"graph.iteration_cap":    d.cfg.Graph.IterationCap,
		"graph.trace_ring":       d.cfg.Graph.TraceRing,
		"telemetry.service_name": d.cfg.Telemetry.ServiceName,
	}, nil
}
