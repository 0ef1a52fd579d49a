package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

func TestChannelMetrics_ScenarioA(t *testing.T) {
	events, txs := scenarioA()

	got := ChannelMetrics(events, txs, 1000)

	require.Len(t, got, 2)

	email := got[0]
	assert.Equal(t, "email", email.Channel)
	assert.Equal(t, int64(1), email.Registrations)
	assert.Equal(t, int64(1), email.Conversions)
	assert.InDelta(t, 100.0, email.Revenue, 1e-9)
	assert.InDelta(t, 500.0, email.CurrentSpend, 1e-9)
	assert.InDelta(t, 500.0, email.CurrentCAC, 1e-9)
	assert.InDelta(t, 100.0, email.CurrentLTV, 1e-9)
	assert.Equal(t, 0.0, email.FraudRate)
	assert.InDelta(t, 100.0, email.ConversionRate, 1e-9)

	social := got[1]
	assert.Equal(t, "social", social.Channel)
	assert.Equal(t, int64(1), social.Registrations)
	assert.Equal(t, int64(0), social.Conversions)
	assert.InDelta(t, 500.0, social.CurrentSpend, 1e-9)
	assert.Equal(t, 0.0, social.CurrentCAC)
	assert.Equal(t, 0.0, social.CurrentLTV)
	assert.Equal(t, 0.0, social.ConversionRate)
}

func TestChannelMetrics_SpendProportionalToRegistrations(t *testing.T) {
	events := []models.Event{
		ev("u1", "search", models.EventRegistration),
		ev("u2", "search", models.EventRegistration),
		ev("u3", "search", models.EventRegistration),
		ev("u4", "email", models.EventRegistration),
	}

	got := ChannelMetrics(events, nil, 800)

	require.Len(t, got, 2)
	assert.Equal(t, "email", got[0].Channel)
	assert.InDelta(t, 200.0, got[0].CurrentSpend, 1e-9)
	assert.Equal(t, "search", got[1].Channel)
	assert.InDelta(t, 600.0, got[1].CurrentSpend, 1e-9)
}

func TestChannelMetrics_DropsTransactionsForUnobservedChannels(t *testing.T) {
	events := []models.Event{
		ev("u1", "email", models.EventRegistration),
		ev("u1", "email", models.EventFirstTransaction),
	}
	txs := []models.Transaction{
		tx("u1", "email", 40, false),
		tx("u1", "tv", 1000, true),
	}

	got := ChannelMetrics(events, txs, 100)

	require.Len(t, got, 1)
	assert.InDelta(t, 40.0, got[0].Revenue, 1e-9)
	assert.Equal(t, int64(0), got[0].Fraudulent)
}

func TestChannelMetrics_FiltersChannelsWithoutSpend(t *testing.T) {
	events := []models.Event{
		ev("u1", "email", models.EventRegistration),
		ev("u2", "referral", models.EventKYCStarted),
		ev("u2", "referral", models.EventFirstTransaction),
	}

	got := ChannelMetrics(events, nil, 100)

	require.Len(t, got, 1)
	assert.Equal(t, "email", got[0].Channel)
	assert.InDelta(t, 100.0, got[0].CurrentSpend, 1e-9)
}

func TestChannelMetrics_NoRegistrations(t *testing.T) {
	events := []models.Event{
		ev("u1", "email", models.EventKYCStarted),
	}

	assert.Empty(t, ChannelMetrics(events, nil, 100))
	assert.Empty(t, ChannelMetrics(nil, nil, 100))
}

func TestChannelMetrics_RatesStayWithinBounds(t *testing.T) {
	events := []models.Event{
		ev("u1", "email", models.EventRegistration),
		ev("u1", "email", models.EventFirstTransaction),
		ev("u2", "email", models.EventFirstTransaction),
	}
	txs := []models.Transaction{
		tx("u1", "email", 10, true),
		tx("u1", "email", 10, true),
		tx("u2", "email", -5, true),
	}

	got := ChannelMetrics(events, txs, 100)

	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].FraudRate)
	assert.Equal(t, 100.0, got[0].ConversionRate)
	assert.InDelta(t, 20.0, got[0].Revenue, 1e-9)
	assert.InDelta(t, 50.0, got[0].CurrentCAC, 1e-9)
	assert.InDelta(t, 10.0, got[0].CurrentLTV, 1e-9)
}
