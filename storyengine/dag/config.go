// Package dag validates and executes adventure stage graphs. Stages
// run as soon as their dependencies settle, bounded by per-stage time
// budgets and retry policies.
package dag

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Retry bounds how often a failing stage is re-run. Attempts counts
// retries, not total runs.
type Retry struct {
	Attempts int `json:"attempts"`
	DelayMs  int `json:"delayMs"`
}

// Budget caps a single attempt's wall time. Zero means unbounded.
type Budget struct {
	TimeMs int `json:"timeMs,omitempty"`
}

// Stage is one node of the graph.
type Stage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	DependsOn []string       `json:"dependsOn,omitempty"`
	Retry     Retry          `json:"retry"`
	Budget    Budget         `json:"budget"`
	Payload   map[string]any `json:"payload,omitempty"`
	Optional  bool           `json:"optional,omitempty"`
}

// Config is a full adventure graph.
type Config struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Stages      []*Stage `json:"stages"`
}

// ParseConfig decodes and validates a JSON adventure config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("adventure config is not valid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants: an id, unique stage ids,
// dependencies that exist, no self-dependencies and no cycles.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("adventure config has no id")
	}
	byID := make(map[string]*Stage, len(c.Stages))
	for _, stage := range c.Stages {
		if stage.ID == "" {
			return fmt.Errorf("adventure %s has a stage without an id", c.ID)
		}
		if _, dup := byID[stage.ID]; dup {
			return fmt.Errorf("adventure %s declares stage %q twice", c.ID, stage.ID)
		}
		byID[stage.ID] = stage
	}
	for _, stage := range c.Stages {
		for _, dep := range stage.DependsOn {
			if dep == stage.ID {
				return fmt.Errorf("stage %q depends on itself", stage.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("stage %q depends on unknown stage %q", stage.ID, dep)
			}
		}
		if stage.Retry.Attempts < 0 || stage.Retry.DelayMs < 0 {
			return fmt.Errorf("stage %q has a negative retry policy", stage.ID)
		}
	}
	if cycle := c.findCycle(byID); cycle != "" {
		return fmt.Errorf("adventure %s has a dependency cycle: %s", c.ID, cycle)
	}
	return nil
}

// findCycle runs a colored DFS and renders the first cycle found.
func (c *Config) findCycle(byID map[string]*Stage) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(c.Stages))
	var path []string

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				return strings.Join(append(path[start:], dep), " -> ")
			case white:
				if cycle := visit(dep); cycle != "" {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return ""
	}

	for _, stage := range c.Stages {
		if color[stage.ID] == white {
			if cycle := visit(stage.ID); cycle != "" {
				return cycle
			}
		}
	}
	return ""
}

// TopologicalOrder returns a dependency-respecting stage order. The
// result is deterministic for a given config.
func (c *Config) TopologicalOrder() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	indegree := make(map[string]int, len(c.Stages))
	dependents := make(map[string][]string, len(c.Stages))
	for _, stage := range c.Stages {
		indegree[stage.ID] += 0
		for _, dep := range stage.DependsOn {
			indegree[stage.ID]++
			dependents[dep] = append(dependents[dep], stage.ID)
		}
	}

	order := make([]string, 0, len(c.Stages))
	ready := make([]string, 0, len(c.Stages))
	for _, stage := range c.Stages {
		if indegree[stage.ID] == 0 {
			ready = append(ready, stage.ID)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order, nil
}

// Stage returns the stage with the given id.
func (c *Config) Stage(id string) (*Stage, bool) {
	for _, stage := range c.Stages {
		if stage.ID == id {
			return stage, true
		}
	}
	return nil, false
}
