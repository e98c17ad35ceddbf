package executor

import (
	"fmt"
	"strings"

	"github.com/hirepilot/agentruns/internal/types"
)

// DependencyError reports steps that depend on ids the plan does not contain.
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s has missing dependencies: %v", e.Step, e.MissingDependencies)
}

// CycleError reports steps that can never become ready because their
// dependencies form a cycle.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between steps: %s", strings.Join(e.Steps, ", "))
}

// Order returns the plan's steps in an order where every step comes after all
// of its dependencies. Among ready steps, plan order wins, so a plan without
// dependencies runs exactly as written.
func Order(plan types.Plan) ([]types.PlanStep, error) {
	index := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		index[s.StepID] = i
	}

	indegree := make([]int, len(plan.Steps))
	dependents := make([][]int, len(plan.Steps))
	for i, s := range plan.Steps {
		var missing []string
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				missing = append(missing, dep)
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
		if len(missing) > 0 {
			return nil, &DependencyError{Step: s.StepID, MissingDependencies: missing}
		}
	}

	done := make([]bool, len(plan.Steps))
	ordered := make([]types.PlanStep, 0, len(plan.Steps))
	for len(ordered) < len(plan.Steps) {
		next := -1
		for i := range plan.Steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, s := range plan.Steps {
				if !done[i] {
					stuck = append(stuck, s.StepID)
				}
			}
			return nil, &CycleError{Steps: stuck}
		}

		done[next] = true
		ordered = append(ordered, plan.Steps[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return ordered, nil
}
