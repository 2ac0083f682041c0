package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/cruciblehq/cruxbuild/internal"
	"github.com/cruciblehq/cruxbuild/internal/logging"
)

// Represents the root command for cruxbuild.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Socket  string     `short:"s" help:"Daemon Unix socket path." default:"${socket}" placeholder:"PATH"`
	Build   BuildCmd   `cmd:"" help:"Execute a recipe."`
	Plan    PlanCmd    `cmd:"" help:"Print the resolved stage order of a recipe."`
	Start   StartCmd   `cmd:"" help:"Start the daemon."`
	Status  StatusCmd  `cmd:"" help:"Query the daemon."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
//
// Environment settings supply flag defaults. SIGINT and SIGTERM cancel the
// context handed to the subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := internal.LoadSettings()
	if err != nil {
		return err
	}

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("A multi-stage build orchestrator.\n\nRuns recipe stages in isolated workspaces, transplants exported artifacts\nbetween them, and exports the terminal stages."),
		kong.UsageOnError(),
		kong.Vars{
			"version":              internal.VersionString(),
			"socket":               settings.Socket,
			"store":                settings.Store,
			"bases":                settings.Bases,
			"backend":              settings.Backend,
			"concurrency":          strconv.Itoa(settings.Concurrency),
			"containerd_address":   settings.ContainerdAddress,
			"containerd_namespace": settings.ContainerdNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	slog.SetDefault(logging.New(os.Stderr, logging.Options{
		Level:   internal.LogLevel(),
		Verbose: internal.IsVerbose(),
		Color:   logging.IsTerminal(os.Stderr),
	}))
}
