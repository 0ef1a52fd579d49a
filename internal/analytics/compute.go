package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// ErrInvalidBudget is returned when the total budget is not a positive
// finite number.
var ErrInvalidBudget = errors.New("total budget must be > 0")

// ValidateBudget rejects budgets the reallocation cannot conserve.
func ValidateBudget(budget float64) error {
	if math.IsNaN(budget) || math.IsInf(budget, 0) || budget <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidBudget, budget)
	}
	return nil
}

// Step names a pipeline phase, reported through Options.OnStep.
type Step string

const (
	StepFunnel     Step = "funnel"
	StepChannels   Step = "channels"
	StepScoring    Step = "scoring"
	StepReallocate Step = "reallocate"
)

// Steps is the pipeline in execution order.
var Steps = []Step{StepFunnel, StepChannels, StepScoring, StepReallocate}

// Options tune a pipeline run.
type Options struct {
	Attribution AttributionPolicy
	// OnStep, if set, is called after each step completes.
	OnStep func(Step)
}

// ctxCheckEvery is how many records are reduced between cancellation checks.
const ctxCheckEvery = 4096

// Compute runs the whole pipeline over an input snapshot. Identical inputs
// always produce identical output.
func Compute(events []models.Event, txs []models.Transaction, budget float64, opts Options) (*models.Report, error) {
	return ComputeContext(context.Background(), events, txs, budget, opts)
}

// ComputeContext is Compute with cancellation between steps and
// periodically during the event and transaction scans.
func ComputeContext(ctx context.Context, events []models.Event, txs []models.Transaction, budget float64, opts Options) (*models.Report, error) {
	if err := ValidateBudget(budget); err != nil {
		return nil, err
	}
	done := func(s Step) {
		if opts.OnStep != nil {
			opts.OnStep(s)
		}
	}

	funnel := NewFunnelAggregator(opts.Attribution)
	calc := NewChannelMetricsCalculator()
	for i, e := range events {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		funnel.Add(e)
		calc.AddEvent(e)
	}
	funnelResult := funnel.Result()
	done(StepFunnel)

	for i, tx := range txs {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		calc.AddTransaction(tx)
	}
	channels := calc.Result(budget)
	done(StepChannels)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scored := ScoreChannels(channels)
	done(StepScoring)

	allocation, err := Reallocate(scored, budget)
	if err != nil {
		return nil, err
	}
	done(StepReallocate)

	return &models.Report{
		Funnel:     funnelResult,
		Allocation: allocation,
	}, nil
}
