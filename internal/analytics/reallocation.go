package analytics

import (
	"sort"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// DampingCoefficient attenuates how far a spend change moves CAC:
// more spend raises CAC a little, less spend lowers it a little.
const DampingCoefficient = 0.15

// Reallocate splits budget across scored channels in proportion to their
// scores and projects the resulting CAC and savings. When every score is
// zero the budget is split evenly. With no channels the result carries
// AllocationInsufficientData.
func Reallocate(channels []models.ChannelSpend, budget float64) (models.AllocationResult, error) {
	if err := ValidateBudget(budget); err != nil {
		return models.AllocationResult{}, err
	}

	if len(channels) == 0 {
		return models.AllocationResult{
			Status:      models.AllocationInsufficientData,
			TotalBudget: budget,
			Channels:    []models.ChannelSpend{},
		}, nil
	}

	var totalScore float64
	for _, c := range channels {
		totalScore += c.Score
	}
	equalShare := budget / float64(len(channels))

	out := make([]models.ChannelSpend, len(channels))
	for i, c := range channels {
		if totalScore > 0 {
			c.RecommendedSpend = budget * SafeDiv(c.Score, totalScore)
		} else {
			c.RecommendedSpend = equalShare
		}

		changeRatio := SafeDiv(c.RecommendedSpend-c.CurrentSpend, c.CurrentSpend)
		c.ProjectedCAC = nonNegative(c.CurrentCAC * (1 - changeRatio*DampingCoefficient))

		// Unfunded channels save nothing; this also keeps -0 out of the JSON.
		c.ProjectedSavings = 0
		if c.ProjectedCAC > 0 && c.RecommendedSpend > 0 {
			c.ProjectedSavings = (c.CurrentCAC - c.ProjectedCAC) * SafeDiv(c.RecommendedSpend, c.ProjectedCAC)
		}
		out[i] = c
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecommendedSpend != out[j].RecommendedSpend {
			return out[i].RecommendedSpend > out[j].RecommendedSpend
		}
		return out[i].Channel < out[j].Channel
	})

	return models.AllocationResult{
		Status:      models.AllocationOK,
		TotalBudget: budget,
		Channels:    out,
		Totals:      totals(out),
	}, nil
}

func totals(channels []models.ChannelSpend) models.AllocationTotals {
	var t models.AllocationTotals
	var cacSum, projectedSum float64
	for _, c := range channels {
		t.CurrentSpend += c.CurrentSpend
		t.RecommendedSpend += c.RecommendedSpend
		t.ProjectedSavings += c.ProjectedSavings
		cacSum += c.CurrentCAC
		projectedSum += c.ProjectedCAC
	}
	n := float64(len(channels))
	t.AvgCurrentCAC = SafeDiv(cacSum, n)
	t.AvgProjectedCAC = SafeDiv(projectedSum, n)
	return t
}
