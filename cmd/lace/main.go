// Command lace is the runtime's CLI: create and resume sessions, chat with
// the coordinator agent, and manage provider instances, credentials, and
// presets.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/observability"
)

var cli struct {
	LogLevel string `help:"Log level (debug|info|warn|error)." default:"warn"`
	LogJSON  bool   `help:"Emit logs as JSON."`
	Metrics  bool   `help:"Expose Prometheus metrics."`
	Tracing  bool   `help:"Enable OpenTelemetry tracing."`

	Chat     ChatCmd     `cmd:"" help:"Start or resume a chat session."`
	Session  SessionCmd  `cmd:"" help:"Manage sessions."`
	Provider ProviderCmd `cmd:"" help:"Manage provider instances and credentials."`
	Preset   PresetCmd   `cmd:"" help:"Manage configuration presets."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

var version = "dev"

type VersionCmd struct{}

func (c *VersionCmd) Run(*RunContext) error {
	fmt.Println("lace", version)
	return nil
}

// RunContext carries the assembled runtime into each subcommand.
type RunContext struct {
	Runtime *Runtime
}

func main() {
	// Optional .env for API keys and LACE_DIR in development.
	_ = godotenv.Load()

	ctx := kong.Parse(&cli,
		kong.Name("lace"),
		kong.Description("Multi-agent coding assistant runtime."),
		kong.UsageOnError(),
	)

	logger.Configure(logger.Options{
		Level: logger.ParseLevel(cli.LogLevel),
		JSON:  cli.LogJSON,
	})

	rt, err := NewRuntime(observability.Config{
		MetricsEnabled: cli.Metrics,
		TracingEnabled: cli.Tracing,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := ctx.Run(&RunContext{Runtime: rt}); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
