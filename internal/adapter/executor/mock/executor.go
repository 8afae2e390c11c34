// Package mock provides a deterministic stand-in for the real analysis
// executor, used by tests and local/dev runs. Production wiring swaps it
// for a real domain.Executor without any change to the scheduler, worker,
// or queue.
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// Executor walks a small fixed list of step labels with a configurable
// per-step sleep, honoring cancellation at each checkpoint, and returns a
// canned AnalysisResult.
type Executor struct {
	StepDelay time.Duration
	Steps     []string
}

// New builds an Executor with the default step table and stepDelay between
// each step.
func New(stepDelay time.Duration) *Executor {
	return &Executor{
		StepDelay: stepDelay,
		Steps: []string{
			"initializing analysis engine",
			"estimating cost",
			"configuring analysis parameters",
			"running analyst debate",
			"aggregating signals",
			"generating report",
		},
	}
}

// Execute satisfies domain.Executor.
func (e *Executor) Execute(ctx context.Context, task domain.Task, sink domain.ProgressSink) (domain.AnalysisResult, error) {
	for _, step := range e.Steps {
		if ctx.Err() != nil {
			return domain.AnalysisResult{}, fmt.Errorf("%w: %s", domain.ErrCancelled, ctx.Err())
		}
		if !sink.Update(step) {
			return domain.AnalysisResult{}, fmt.Errorf("%w: cooperative cancellation observed at step %q", domain.ErrCancelled, step)
		}
		select {
		case <-ctx.Done():
			return domain.AnalysisResult{}, fmt.Errorf("%w: %s", domain.ErrCancelled, ctx.Err())
		case <-time.After(e.StepDelay):
		}
	}

	return domain.AnalysisResult{
		Recommendation: "hold",
		Summary:        fmt.Sprintf("mock analysis for %s at %s depth", task.StockSymbol, task.Parameters.ResearchDepth),
		Data: map[string]any{
			"stock_symbol":   task.StockSymbol,
			"research_depth": string(task.Parameters.ResearchDepth),
			"mock":           true,
		},
	}, nil
}

var _ domain.Executor = (*Executor)(nil)
