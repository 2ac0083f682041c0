// Package graph resolves the execution order of recipe stages.
//
// Stages are vertices; an edge runs from stage A to stage B whenever B imports
// one of A's exports. Edges are inferred from import declarations, so stages
// may be added in any order and may reference stages added later. The graph
// is validated when the order is resolved: unknown import sources and cycles
// are reported before any stage executes.
//
// Resolution is deterministic. Among stages whose prerequisites are all
// placed, the one declared first is placed next, so a recipe that is already
// in dependency order resolves to its declaration order.
//
// Example usage:
//
//	g := graph.New()
//	for _, s := range recipe.Stages {
//	    if _, err := g.AddStage(s); err != nil {
//	        return err
//	    }
//	}
//	order, err := g.ResolveOrder()
//	if err != nil {
//	    return err
//	}
package graph
