package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// Envelope kinds.
const (
	KindEvent       = "event"
	KindTransaction = "transaction"
)

// Envelope is the JSON payload of a lifecycle topic message.
type Envelope struct {
	Kind        string              `json:"kind"`
	Event       *models.Event       `json:"event,omitempty"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

func decodeEnvelope(value []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrInvalidRecord, err)
	}
	switch env.Kind {
	case KindEvent:
		if env.Event == nil {
			return nil, fmt.Errorf("%w: event envelope without event", ErrInvalidRecord)
		}
	case KindTransaction:
		if env.Transaction == nil {
			return nil, fmt.Errorf("%w: transaction envelope without transaction", ErrInvalidRecord)
		}
	default:
		return nil, fmt.Errorf("%w: unknown envelope kind %q", ErrInvalidRecord, env.Kind)
	}
	return &env, nil
}

// partitionKey keeps a user's records on one partition so they are
// consumed in order.
func (e *Envelope) partitionKey() []byte {
	switch {
	case e.Event != nil:
		return []byte(e.Event.ClientID + "/" + e.Event.UserID)
	case e.Transaction != nil:
		return []byte(e.Transaction.ClientID + "/" + e.Transaction.UserID)
	}
	return nil
}
