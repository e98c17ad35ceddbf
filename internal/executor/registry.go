package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/hirepilot/agentruns/internal/types"
)

// StepRunner performs the work of one plan step. Runners are registered per
// step category; the actual sourcing, enrichment and outreach logic lives in
// the runner implementations.
type StepRunner interface {
	Run(ctx context.Context, sc *StepContext) (StepResult, error)
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// Run calls f.
func (f StepRunnerFunc) Run(ctx context.Context, sc *StepContext) (StepResult, error) {
	return f(ctx, sc)
}

// StepResult is what a runner reports once a step has finished.
type StepResult struct {
	Summary      string
	Metrics      map[string]any
	ScorePercent *float64
	CreditsUsed  float64
	Counts       types.CountStats
}

// Registry maps step categories to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]StepRunner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]StepRunner)}
}

// Register installs runner for category, replacing any previous runner.
func (r *Registry) Register(category string, runner StepRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[category] = runner
}

// Lookup returns the runner for category.
func (r *Registry) Lookup(category string) (StepRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[category]
	return runner, ok
}

// Categories returns the registered categories, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runners))
	for c := range r.runners {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
