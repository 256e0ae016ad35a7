package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Bus.Name != DefaultBusName {
		t.Fatalf("expected default bus name %q, got %q", DefaultBusName, cfg.Bus.Name)
	}
	if cfg.Bus.FaultPolicy != FaultAbort {
		t.Fatalf("expected abort policy by default, got %q", cfg.Bus.FaultPolicy)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
}

func TestFromEnvOverridesValues(t *testing.T) {
	t.Setenv("HOOKBUS_ENV", "STAGING")
	t.Setenv("HOOKBUS_BUS_NAME", "orders")
	t.Setenv("HOOKBUS_FAULT_POLICY", "Isolate")
	t.Setenv("HOOKBUS_RESPONDER_WORKERS", "9")
	t.Setenv("HOOKBUS_INSPECTOR_ADDR", "127.0.0.1:9000")
	t.Setenv("HOOKBUS_ASK_TIMEOUT", "750ms")
	t.Setenv("HOOKBUS_RESPONDER_TIMEOUT", "2s")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

	cfg := FromEnv(Default())
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %s", cfg.Environment)
	}
	if cfg.Bus.Name != "orders" || cfg.Bus.FaultPolicy != FaultIsolate || cfg.Bus.ResponderWorkers != 9 || cfg.Bus.ResponderTimeout != 2*time.Second {
		t.Fatalf("unexpected bus settings: %+v", cfg.Bus)
	}
	if cfg.Inspector.Addr != "127.0.0.1:9000" || cfg.Inspector.AskTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected inspector settings: %+v", cfg.Inspector)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("expected telemetry enabled from env: %+v", cfg.Telemetry)
	}
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	base := Default()
	cfg := Apply(base,
		WithEnvironment(EnvProd),
		WithBusName(" custom "),
		WithFaultPolicy(FaultIsolate),
		WithResponderPool(2, 0),
		WithResponderTimeout(0),
		WithInspectorAddr(":0"),
		WithScript("op", "op.js"),
		nil,
	)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "custom", cfg.Bus.Name)
	require.Equal(t, FaultIsolate, cfg.Bus.FaultPolicy)
	require.Equal(t, 2, cfg.Bus.ResponderWorkers)
	require.Equal(t, 0, cfg.Bus.ResponderQueue)
	require.Zero(t, cfg.Bus.ResponderTimeout)
	require.Equal(t, ":0", cfg.Inspector.Addr)
	require.Len(t, cfg.Scripts, 1)

	require.Equal(t, EnvDev, base.Environment)
	require.Equal(t, 30*time.Second, base.Bus.ResponderTimeout)
	require.Empty(t, base.Scripts)
}

func TestLoadYAMLResolvesScriptPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hookbus.yaml")
	content := `
environment: Prod
bus:
  name: shared
  faultPolicy: ISOLATE
  responderWorkers: 3
inspector:
  enabled: true
  addr: ":9999"
  askTimeout: 2s
scripts:
  - topic: counter
    path: scripts/counter.js
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "shared", cfg.Bus.Name)
	require.Equal(t, FaultIsolate, cfg.Bus.FaultPolicy)
	require.Equal(t, 3, cfg.Bus.ResponderWorkers)
	require.Equal(t, 64, cfg.Bus.ResponderQueue)
	require.Equal(t, 2*time.Second, cfg.Inspector.AskTimeout)
	require.Equal(t, filepath.Join(dir, "scripts", "counter.js"), cfg.Scripts[0].Path)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  faultPolicy: retry\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateScriptTopics(t *testing.T) {
	cfg := Apply(Default(), WithScript("op", "a.js"), WithScript("op", "b.js"))
	require.Error(t, cfg.Validate())
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, Default().Bus, cfg.Bus)

	_, loaded, err = LoadOrDefault("")
	require.NoError(t, err)
	require.False(t, loaded)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("hookbus.example.yaml")
	require.NoError(t, err)
	require.Equal(t, DefaultBusName, cfg.Bus.Name)
	require.True(t, cfg.Inspector.Enabled)
	require.Equal(t, 30*time.Second, cfg.Bus.ResponderTimeout)
	require.Len(t, cfg.Scripts, 1)

	_, err = os.Stat(cfg.Scripts[0].Path)
	require.NoError(t, err)
}
