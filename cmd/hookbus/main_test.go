package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/hookbus/config"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("hookbus", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlagsWithoutArgsKeepsSettings(t *testing.T) {
	cli, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	require.Empty(t, cli.configPath)

	base := config.Default()
	require.Equal(t, base, config.Apply(base, cli.overrides...))
}

func TestParseFlagsOverridesSettings(t *testing.T) {
	cli, err := parseFlags(newFlagSet(), []string{
		"-config", "/etc/hookbus.yaml",
		"-env", "PROD",
		"-bus", "orders",
		"-fault-policy", "isolate",
		"-inspector-addr", "127.0.0.1:9000",
		"-responder-workers", "8",
		"-responder-queue", "0",
		"-responder-timeout", "0",
		"-script", "incrementCounter=scripts/increment.js",
		"-script", "echo=scripts/echo.js",
	})
	require.NoError(t, err)
	require.Equal(t, "/etc/hookbus.yaml", cli.configPath)

	settings := config.Apply(config.Default(), cli.overrides...)
	require.NoError(t, settings.Validate())
	require.Equal(t, config.EnvProd, settings.Environment)
	require.Equal(t, "orders", settings.Bus.Name)
	require.Equal(t, config.FaultIsolate, settings.Bus.FaultPolicy)
	require.Equal(t, "127.0.0.1:9000", settings.Inspector.Addr)
	require.Equal(t, 8, settings.Bus.ResponderWorkers)
	require.Equal(t, 0, settings.Bus.ResponderQueue)
	require.Equal(t, time.Duration(0), settings.Bus.ResponderTimeout)
	require.Equal(t, []config.ScriptSpec{
		{Topic: "incrementCounter", Path: "scripts/increment.js"},
		{Topic: "echo", Path: "scripts/echo.js"},
	}, settings.Scripts)
}

func TestParseFlagsLayersOverEnvironment(t *testing.T) {
	t.Setenv("HOOKBUS_BUS_NAME", "from-env")
	t.Setenv("HOOKBUS_RESPONDER_WORKERS", "3")

	cli, err := parseFlags(newFlagSet(), []string{"-bus", "from-flag"})
	require.NoError(t, err)

	settings := config.Apply(config.FromEnv(config.Default()), cli.overrides...)
	require.Equal(t, "from-flag", settings.Bus.Name)
	require.Equal(t, 3, settings.Bus.ResponderWorkers)
}

func TestParseFlagsRejectsMalformedScript(t *testing.T) {
	_, err := parseFlags(newFlagSet(), []string{"-script", "no-separator"})
	require.Error(t, err)

	_, err = parseFlags(newFlagSet(), []string{"-script", "=path.js"})
	require.Error(t, err)
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, defaultConfigPath, resolveConfigPath(""))
}
