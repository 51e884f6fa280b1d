// dagcheck validates an adventure DAG config and prints its execution
// plan: stages in topological order with their dependencies, retry
// policy and budget.
//
// Usage:
//
//	go run ./cmd/dagcheck adventures/heist.json
//	dagcheck -q adventures/*.json        # validate only
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agent-adventures/adventure-core/storyengine/dag"
)

func main() {
	quiet := flag.Bool("q", false, "validate only, no plan output")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dagcheck [-q] <config.json> [...]")
		os.Exit(2)
	}

	failures := 0
	for _, path := range flag.Args() {
		if err := check(path, *quiet); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failures++
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func check(path string, quiet bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := dag.ParseConfig(data)
	if err != nil {
		return err
	}
	order, err := cfg.TopologicalOrder()
	if err != nil {
		return err
	}

	if quiet {
		fmt.Printf("%s: ok (%d stages)\n", path, len(order))
		return nil
	}

	fmt.Printf("%s: %s (%d stages)\n", path, cfg.ID, len(order))
	if cfg.Description != "" {
		fmt.Printf("  %s\n", cfg.Description)
	}
	for i, id := range order {
		stage, _ := cfg.Stage(id)
		fmt.Printf("  %2d. %-20s %s%s\n", i+1, stage.ID, stage.Type, annotations(stage))
	}
	return nil
}

func annotations(stage *dag.Stage) string {
	var parts []string
	if len(stage.DependsOn) > 0 {
		parts = append(parts, "after "+strings.Join(stage.DependsOn, ", "))
	}
	if stage.Retry.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("retries %d", stage.Retry.Attempts))
	}
	if stage.Budget.TimeMs > 0 {
		parts = append(parts, fmt.Sprintf("budget %dms", stage.Budget.TimeMs))
	}
	if stage.Optional {
		parts = append(parts, "optional")
	}
	if len(parts) == 0 {
		return ""
	}
	return "  [" + strings.Join(parts, "; ") + "]"
}
