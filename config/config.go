// Package config centralises runtime configuration helpers for hookbus services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where hookbus operates.
type Environment string

// FaultPolicy names how a bus reacts to a failing handler.
type FaultPolicy string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// FaultAbort stops dispatch at the first failing handler.
	FaultAbort FaultPolicy = "abort"
	// FaultIsolate reports each failing handler and keeps dispatching.
	FaultIsolate FaultPolicy = "isolate"
)

const (
	// DefaultBusName is the registry slot used when no bus name is configured.
	DefaultBusName = "@@useBus"
	// DefaultInspectorAddr is the listen address of the inspector API.
	DefaultInspectorAddr = ":8787"
)

// BusSettings sizes and names the shared bus.
type BusSettings struct {
	Name             string        `yaml:"name"`
	FaultPolicy      FaultPolicy   `yaml:"faultPolicy"`
	ResponderWorkers int           `yaml:"responderWorkers"`
	ResponderQueue   int           `yaml:"responderQueue"`
	ResponderTimeout time.Duration `yaml:"responderTimeout"`
}

// InspectorSettings configures the HTTP inspector surface.
type InspectorSettings struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	RateLimit  float64       `yaml:"rateLimit"`
	RateBurst  int           `yaml:"rateBurst"`
	AskTimeout time.Duration `yaml:"askTimeout"`
	TapBuffer  int           `yaml:"tapBuffer"`
}

// TelemetrySettings configures OTLP metric export.
type TelemetrySettings struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// ScriptSpec binds a JavaScript responder to a topic.
type ScriptSpec struct {
	Topic string `yaml:"topic"`
	Path  string `yaml:"path"`
}

// Settings contains the hookbus configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Bus         BusSettings       `yaml:"bus"`
	Inspector   InspectorSettings `yaml:"inspector"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
	Scripts     []ScriptSpec      `yaml:"scripts"`
}

// Default returns the default hookbus configuration.
func Default() Settings {
	return Settings{
		Environment: EnvDev,
		Bus: BusSettings{
			Name:             DefaultBusName,
			FaultPolicy:      FaultAbort,
			ResponderWorkers: 4,
			ResponderQueue:   64,
			ResponderTimeout: 30 * time.Second,
		},
		Inspector: InspectorSettings{
			Enabled:    true,
			Addr:       DefaultInspectorAddr,
			RateLimit:  50,
			RateBurst:  100,
			AskTimeout: 5 * time.Second,
			TapBuffer:  64,
		},
		Telemetry: TelemetrySettings{
			Enabled:      false,
			OTLPEndpoint: "",
			OTLPInsecure: false,
			ServiceName:  "hookbus",
		},
		Scripts: nil,
	}
}

// FromEnv loads configuration values from environment variables, overriding base.
func FromEnv(base Settings) Settings {
	cfg := base.clone()
	if env := strings.TrimSpace(os.Getenv("HOOKBUS_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("HOOKBUS_BUS_NAME")); v != "" {
		cfg.Bus.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("HOOKBUS_FAULT_POLICY")); v != "" {
		cfg.Bus.FaultPolicy = FaultPolicy(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("HOOKBUS_RESPONDER_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.ResponderWorkers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HOOKBUS_RESPONDER_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Bus.ResponderTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("HOOKBUS_INSPECTOR_ADDR")); v != "" {
		cfg.Inspector.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("HOOKBUS_ASK_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Inspector.AskTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithBusName overrides the registry slot name of the shared bus.
func WithBusName(name string) Option {
	name = strings.TrimSpace(name)
	return func(s *Settings) {
		if name != "" {
			s.Bus.Name = name
		}
	}
}

// WithFaultPolicy selects the dispatch fault policy.
func WithFaultPolicy(policy FaultPolicy) Option {
	return func(s *Settings) {
		if policy != "" {
			s.Bus.FaultPolicy = policy
		}
	}
}

// WithResponderPool sizes the worker pool that runs responder actions.
func WithResponderPool(workers, queue int) Option {
	return func(s *Settings) {
		if workers > 0 {
			s.Bus.ResponderWorkers = workers
		}
		if queue >= 0 {
			s.Bus.ResponderQueue = queue
		}
	}
}

// WithResponderTimeout bounds each responder action. Zero disables the bound.
func WithResponderTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout >= 0 {
			s.Bus.ResponderTimeout = timeout
		}
	}
}

// WithInspectorAddr overrides the inspector listen address.
func WithInspectorAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Inspector.Addr = addr
		}
	}
}

// WithScript registers an additional scripted responder.
func WithScript(topic, path string) Option {
	topic = strings.TrimSpace(topic)
	path = strings.TrimSpace(path)
	return func(s *Settings) {
		if topic == "" || path == "" {
			return
		}
		s.Scripts = append(s.Scripts, ScriptSpec{Topic: topic, Path: path})
	}
}

func (s Settings) clone() Settings {
	out := s
	if s.Scripts != nil {
		out.Scripts = make([]ScriptSpec, len(s.Scripts))
		copy(out.Scripts, s.Scripts)
	}
	return out
}
