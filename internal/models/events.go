package models

import (
	"errors"
	"fmt"
	"time"
)

// ===========================================
// LIFECYCLE EVENT
// ===========================================

// EventType is a user lifecycle milestone.
type EventType string

const (
	EventRegistration     EventType = "registration"
	EventKYCStarted       EventType = "kyc_started"
	EventKYCPassed        EventType = "kyc_passed"
	EventBankLinked       EventType = "bank_linked"
	EventFirstTransaction EventType = "first_transaction"
)

// FunnelStages lists the lifecycle milestones in canonical funnel order.
var FunnelStages = [...]EventType{
	EventRegistration,
	EventKYCStarted,
	EventKYCPassed,
	EventBankLinked,
	EventFirstTransaction,
}

// StageCount is the number of canonical funnel stages.
const StageCount = len(FunnelStages)

var stageLabels = map[EventType]string{
	EventRegistration:     "Registration",
	EventKYCStarted:       "KYC Started",
	EventKYCPassed:        "KYC Passed",
	EventBankLinked:       "Bank Linked",
	EventFirstTransaction: "First Transaction",
}

// StageIndex returns the position of t in the canonical funnel order.
// ok is false for event types outside the funnel.
func (t EventType) StageIndex() (int, bool) {
	for i, s := range FunnelStages {
		if s == t {
			return i, true
		}
	}
	return -1, false
}

// Label returns the display name of the stage.
func (t EventType) Label() string {
	if l, ok := stageLabels[t]; ok {
		return l
	}
	return string(t)
}

// Event is an immutable lifecycle record as supplied by the event store.
type Event struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Channel   string    `json:"channel"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"event_timestamp"`
}

// Validate checks the fields required to store an event. Unknown event
// types are accepted; analytics ignore them.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if e.ClientID == "" {
		return errors.New("client_id is required")
	}
	if e.UserID == "" {
		return errors.New("user_id is required")
	}
	if e.Channel == "" {
		return errors.New("channel is required")
	}
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("event_timestamp is required")
	}
	return nil
}

// ===========================================
// TRANSACTION
// ===========================================

// Transaction is an immutable money movement linked to a user. Its
// channel is tagged independently of the user's events.
type Transaction struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Channel      string    `json:"channel"`
	Amount       float64   `json:"amount"`
	IsFraudulent bool      `json:"is_fraudulent"`
	Timestamp    time.Time `json:"timestamp"`
}

func (t *Transaction) Validate() error {
	if t == nil {
		return errors.New("transaction is nil")
	}
	if t.ClientID == "" {
		return errors.New("client_id is required")
	}
	if t.UserID == "" {
		return errors.New("user_id is required")
	}
	if t.Channel == "" {
		return errors.New("channel is required")
	}
	if t.Amount < 0 {
		return errors.New("amount must be >= 0")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// ===========================================
// DATE RANGE
// ===========================================

// DateRange is an inclusive time window over event timestamps.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts lies within the range.
func (r DateRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && ts.After(r.To) {
		return false
	}
	return true
}

// ErrInvalidRange is returned for a range whose start is after its end.
var ErrInvalidRange = errors.New("invalid date range")

func (r DateRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidRange)
	}
	return nil
}
