package analytics

import (
	"time"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func ev(user, channel string, t models.EventType) models.Event {
	return evAt(user, channel, t, baseTime)
}

func evAt(user, channel string, t models.EventType, ts time.Time) models.Event {
	return models.Event{
		ClientID:  "client-1",
		UserID:    user,
		Channel:   channel,
		EventType: t,
		Timestamp: ts,
	}
}

func tx(user, channel string, amount float64, fraud bool) models.Transaction {
	return models.Transaction{
		ClientID:     "client-1",
		UserID:       user,
		Channel:      channel,
		Amount:       amount,
		IsFraudulent: fraud,
		Timestamp:    baseTime,
	}
}

// scenarioA is two users across email and social; only the email user
// converts.
func scenarioA() ([]models.Event, []models.Transaction) {
	events := []models.Event{
		ev("u1", "email", models.EventRegistration),
		ev("u1", "email", models.EventFirstTransaction),
		ev("u2", "social", models.EventRegistration),
	}
	txs := []models.Transaction{
		tx("u1", "email", 100, false),
	}
	return events, txs
}
