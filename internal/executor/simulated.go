package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/hirepilot/agentruns/internal/types"
)

// Simulated returns a runner that walks through items units of work, pausing
// delay between them, and reports progress, one tool call and one artifact
// along the way. It backs local development and demos, where no real step
// runners are deployed.
func Simulated(items int, delay time.Duration) StepRunner {
	if items <= 0 {
		items = 1
	}
	return StepRunnerFunc(func(ctx context.Context, sc *StepContext) (StepResult, error) {
		started := time.Now().UTC()
		callID := "tc_" + sc.Step.StepID
		if err := sc.ToolCall(ctx, types.ToolCall{
			ToolCallID: callID,
			Tool:       types.ToolRef{ToolID: "simulator", Name: "Simulator"},
			Status:     "running",
			StartedAt:  &started,
			Input:      map[string]any{"items": items, "category": sc.Step.Category},
		}); err != nil {
			return StepResult{}, err
		}

		for i := 1; i <= items; i++ {
			if sc.Stopped() {
				return StepResult{}, nil
			}
			select {
			case <-ctx.Done():
				return StepResult{}, ctx.Err()
			case <-time.After(delay):
			}
			if err := sc.Progress(ctx, i, items, fmt.Sprintf("%d of %d", i, items)); err != nil {
				return StepResult{}, err
			}
		}

		ended := time.Now().UTC()
		if err := sc.ToolCall(ctx, types.ToolCall{
			ToolCallID:    callID,
			Tool:          types.ToolRef{ToolID: "simulator", Name: "Simulator"},
			Status:        "success",
			StartedAt:     &started,
			EndedAt:       &ended,
			OutputSummary: fmt.Sprintf("processed %d items", items),
		}); err != nil {
			return StepResult{}, err
		}
		if err := sc.Artifact(ctx, types.Artifact{
			ArtifactID: sc.Step.StepID + "_report",
			Type:       "report",
			Title:      sc.Step.Title,
			Status:     "ready",
			Data:       map[string]any{"items": items, "partial": sc.Partial},
		}); err != nil {
			return StepResult{}, err
		}

		score := 100.0
		if sc.Partial {
			score = 50
		}
		return StepResult{
			Summary:      fmt.Sprintf("Processed %d items", items),
			Metrics:      map[string]any{"items": items},
			ScorePercent: &score,
		}, nil
	})
}
