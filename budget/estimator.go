package budget

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/workflow"
)

// Estimator returns the expected worst-case cost of executing a step.
// The governor compares the estimate against the remaining budget before
// admitting the step.
type Estimator interface {
	EstimateCost(ctx context.Context, step workflow.StepDef) float64
}

// StaticEstimator uses the template's per-step estimate, falling back to
// a fixed default for steps that declare none.
type StaticEstimator struct {
	// Default is the estimate for steps without an EstimatedCost.
	Default float64
}

// EstimateCost implements Estimator.
func (s *StaticEstimator) EstimateCost(_ context.Context, step workflow.StepDef) float64 {
	if step.EstimatedCost > 0 {
		return step.EstimatedCost
	}
	return s.Default
}

// HistoricalEstimator averages a step's recorded ledger costs across all
// workflows, falling back to the wrapped estimator until enough samples
// exist. Ledger read failures also fall back; estimation must never block
// admission control on store availability.
type HistoricalEstimator struct {
	Ledger     Store
	Fallback   Estimator
	MinSamples int
	Logger     *slog.Logger
}

// EstimateCost implements Estimator.
func (h *HistoricalEstimator) EstimateCost(ctx context.Context, step workflow.StepDef) float64 {
	minSamples := h.MinSamples
	if minSamples <= 0 {
		minSamples = 3
	}

	avg, n, err := h.Ledger.AverageCostByStep(ctx, step.ID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("historical estimate unavailable, using fallback",
				slog.String("step", step.ID),
				slog.String("error", err.Error()),
			)
		}
		return h.Fallback.EstimateCost(ctx, step)
	}
	if n < minSamples {
		return h.Fallback.EstimateCost(ctx, step)
	}
	return avg
}
