package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cruciblehq/cruxbuild/internal/graph"
	"github.com/cruciblehq/cruxbuild/internal/manifest"
)

// Represents the 'cruxbuild plan' command.
type PlanCmd struct {
	Recipe string `arg:"" help:"Recipe file (.yaml, .yml, or .hcl)." type:"existingfile"`
}

// Executes the plan command.
func (c *PlanCmd) Run(ctx context.Context) error {
	recipe, err := manifest.Load(c.Recipe)
	if err != nil {
		return err
	}
	return printPlan(os.Stdout, recipe)
}

// Writes the resolved stage order, one stage per line, with the base and
// the stages each one imports from.
func printPlan(w io.Writer, recipe *manifest.Recipe) error {
	g, err := graph.FromRecipe(recipe)
	if err != nil {
		return err
	}
	order, err := g.ResolveOrder()
	if err != nil {
		return err
	}

	terminal := make(map[graph.StageID]bool)
	for _, id := range g.Terminal() {
		terminal[id] = true
	}

	for i, id := range order {
		stage, _ := g.Stage(id)
		deps, err := g.Dependencies(id)
		if err != nil {
			return err
		}

		line := fmt.Sprintf("%d. %s from %s", i+1, id, stage.From)
		if len(deps) > 0 {
			names := make([]string, len(deps))
			for j, d := range deps {
				names[j] = string(d)
			}
			line += " <- " + strings.Join(names, ", ")
		}
		if terminal[id] && !stage.Transient {
			line += " (exported)"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
