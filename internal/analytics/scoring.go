package analytics

import "github.com/radiusdt/spend-optimizer/internal/models"

// Score is the desirability of a channel: LTV:CAC ratio, discounted by
// fraud and boosted by conversion rate. A channel without conversions has
// a zero ratio, and a fully fraudulent channel scores zero.
func Score(c models.ChannelSpend) float64 {
	ratio := SafeDiv(c.CurrentLTV, c.CurrentCAC)

	fraudFactor := 1 - clampPercent(c.FraudRate)/100
	if fraudFactor <= 0 {
		return 0
	}
	conversionBonus := 1 + clampPercent(c.ConversionRate)/100

	return nonNegative(ratio * fraudFactor * conversionBonus)
}

// ScoreChannels returns a copy of channels with Score populated.
func ScoreChannels(channels []models.ChannelSpend) []models.ChannelSpend {
	out := make([]models.ChannelSpend, len(channels))
	for i, c := range channels {
		c.Score = Score(c)
		out[i] = c
	}
	return out
}
