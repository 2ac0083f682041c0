package main

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/cruxbuild/internal"
	"github.com/cruciblehq/cruxbuild/internal/cli"
	"github.com/cruciblehq/cruxbuild/internal/logging"
)

// The entry point for cruxbuild.
//
// Initializes logging, displays startup information, and executes the root
// command. If any error occurs during execution, it exits with a non-zero code.
func main() {
	slog.SetDefault(logging.New(os.Stderr, logging.Options{
		Level: internal.LogLevel(),
		Color: logging.IsTerminal(os.Stderr),
	}))

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("cruxbuild is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
