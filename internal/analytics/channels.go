package analytics

import (
	"sort"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

type channelCounter struct {
	registrations int64
	conversions   int64
	fraudulent    int64
	revenue       float64
}

// ChannelMetricsCalculator reduces events and transactions into
// per-channel counters. Working memory is one counter per channel.
type ChannelMetricsCalculator struct {
	channels map[string]*channelCounter
}

// NewChannelMetricsCalculator creates an empty calculator.
func NewChannelMetricsCalculator() *ChannelMetricsCalculator {
	return &ChannelMetricsCalculator{channels: make(map[string]*channelCounter)}
}

// AddEvent records the event's channel as observed and counts
// registrations and first transactions. Events outside the funnel are
// ignored.
func (c *ChannelMetricsCalculator) AddEvent(e models.Event) {
	if _, ok := e.EventType.StageIndex(); !ok {
		return
	}
	cc, ok := c.channels[e.Channel]
	if !ok {
		cc = &channelCounter{}
		c.channels[e.Channel] = cc
	}
	switch e.EventType {
	case models.EventRegistration:
		cc.registrations++
	case models.EventFirstTransaction:
		cc.conversions++
	}
}

// AddTransaction accumulates revenue and fraud for an observed channel.
// Transactions for channels never seen in events are dropped, so all
// events should be added before transactions.
func (c *ChannelMetricsCalculator) AddTransaction(tx models.Transaction) {
	cc, ok := c.channels[tx.Channel]
	if !ok {
		return
	}
	cc.revenue += nonNegative(tx.Amount)
	if tx.IsFraudulent {
		cc.fraudulent++
	}
}

// Result derives spend, CAC, LTV, fraud and conversion rates for every
// channel with positive estimated spend, ordered by channel name.
//
// No per-channel spend is recorded anywhere, so current spend is
// estimated by splitting budget in proportion to registration volume.
func (c *ChannelMetricsCalculator) Result(budget float64) []models.ChannelSpend {
	names := make([]string, 0, len(c.channels))
	var totalRegistrations int64
	for name, cc := range c.channels {
		names = append(names, name)
		totalRegistrations += cc.registrations
	}
	sort.Strings(names)

	perRegistration := SafeDiv(budget, float64(totalRegistrations))

	out := make([]models.ChannelSpend, 0, len(names))
	for _, name := range names {
		cc := c.channels[name]
		spend := nonNegative(perRegistration * float64(cc.registrations))
		if spend <= 0 {
			continue
		}
		regs := float64(cc.registrations)
		convs := float64(cc.conversions)
		out = append(out, models.ChannelSpend{
			Channel:        name,
			Registrations:  cc.registrations,
			Conversions:    cc.conversions,
			Fraudulent:     cc.fraudulent,
			Revenue:        cc.revenue,
			CurrentSpend:   spend,
			CurrentCAC:     nonNegative(SafeDiv(spend, convs)),
			CurrentLTV:     nonNegative(SafeDiv(cc.revenue, convs)),
			FraudRate:      percentOf(float64(cc.fraudulent), regs),
			ConversionRate: percentOf(convs, regs),
		})
	}
	return out
}

// ChannelMetrics runs a ChannelMetricsCalculator over slices.
func ChannelMetrics(events []models.Event, txs []models.Transaction, budget float64) []models.ChannelSpend {
	calc := NewChannelMetricsCalculator()
	for _, e := range events {
		calc.AddEvent(e)
	}
	for _, tx := range txs {
		calc.AddTransaction(tx)
	}
	return calc.Result(budget)
}
