package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML settings file layered over Default.
func Load(path string) (Settings, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Settings{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise(filepath.Dir(filepath.Clean(path)))
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
// The boolean reports whether the file was read.
func LoadOrDefault(path string) (Settings, bool, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), false, nil
	}
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), false, nil
		}
		return Settings{}, false, err
	}
	return cfg, true, nil
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment: unsupported value %q", s.Environment)
	}
	if s.Bus.Name == "" {
		return fmt.Errorf("bus.name required")
	}
	switch s.Bus.FaultPolicy {
	case FaultAbort, FaultIsolate:
	default:
		return fmt.Errorf("bus.faultPolicy: unsupported value %q", s.Bus.FaultPolicy)
	}
	if s.Bus.ResponderWorkers <= 0 {
		return fmt.Errorf("bus.responderWorkers must be > 0")
	}
	if s.Bus.ResponderQueue < 0 {
		return fmt.Errorf("bus.responderQueue must be >= 0")
	}
	if s.Bus.ResponderTimeout < 0 {
		return fmt.Errorf("bus.responderTimeout must be >= 0")
	}
	if s.Inspector.Enabled {
		if s.Inspector.Addr == "" {
			return fmt.Errorf("inspector.addr required when inspector is enabled")
		}
		if s.Inspector.RateLimit < 0 {
			return fmt.Errorf("inspector.rateLimit must be >= 0")
		}
	}
	seen := make(map[string]struct{}, len(s.Scripts))
	for i, script := range s.Scripts {
		if script.Topic == "" || script.Path == "" {
			return fmt.Errorf("scripts[%d]: topic and path required", i)
		}
		if _, dup := seen[script.Topic]; dup {
			return fmt.Errorf("scripts[%d]: duplicate topic %q", i, script.Topic)
		}
		seen[script.Topic] = struct{}{}
	}
	return nil
}

func (s *Settings) normalise(baseDir string) {
	s.Environment = Environment(strings.ToLower(strings.TrimSpace(string(s.Environment))))
	if s.Environment == "" {
		s.Environment = EnvDev
	}
	s.Bus.Name = strings.TrimSpace(s.Bus.Name)
	if s.Bus.Name == "" {
		s.Bus.Name = DefaultBusName
	}
	s.Bus.FaultPolicy = FaultPolicy(strings.ToLower(strings.TrimSpace(string(s.Bus.FaultPolicy))))
	if s.Bus.FaultPolicy == "" {
		s.Bus.FaultPolicy = FaultAbort
	}
	s.Inspector.Addr = strings.TrimSpace(s.Inspector.Addr)
	if s.Inspector.RateBurst <= 0 {
		s.Inspector.RateBurst = 1
	}
	if s.Inspector.TapBuffer <= 0 {
		s.Inspector.TapBuffer = 64
	}
	s.Telemetry.OTLPEndpoint = strings.TrimSpace(s.Telemetry.OTLPEndpoint)
	s.Telemetry.ServiceName = strings.TrimSpace(s.Telemetry.ServiceName)

	for i := range s.Scripts {
		s.Scripts[i].Topic = strings.TrimSpace(s.Scripts[i].Topic)
		path := strings.TrimSpace(s.Scripts[i].Path)
		if path != "" && !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		s.Scripts[i].Path = path
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
