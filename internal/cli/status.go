package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/cruciblehq/cruxbuild/internal/protocol"
	"github.com/cruciblehq/cruxbuild/internal/server"
)

// Represents the 'cruxbuild status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	raw, err := server.Send(ctx, RootCmd.Socket, protocol.CmdStatus, nil)
	if err != nil {
		return err
	}

	status, err := protocol.DecodePayload[protocol.StatusResult](raw)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, status)
	return nil
}

func printStatus(w io.Writer, s *protocol.StatusResult) {
	fmt.Fprintf(w, "version: %s\n", s.Version)
	fmt.Fprintf(w, "pid:     %d\n", s.Pid)
	fmt.Fprintf(w, "uptime:  %s\n", s.Uptime)
	fmt.Fprintf(w, "backend: %s\n", s.Backend)
	fmt.Fprintf(w, "builds:  %d\n", s.Builds)
	for _, b := range s.Active {
		fmt.Fprintf(w, "active %s\n", b.ID)
		for _, stage := range slices.Sorted(maps.Keys(b.Stages)) {
			fmt.Fprintf(w, "  %-20s %s\n", stage, b.Stages[stage])
		}
	}
}
