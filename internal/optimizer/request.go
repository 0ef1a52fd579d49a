package optimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/models"
)

// Request identifies one optimization: a client's records in a date range
// reallocated over a total budget.
type Request struct {
	ClientID    string                      `json:"client_id"`
	Range       models.DateRange            `json:"range"`
	Budget      float64                     `json:"budget"`
	Attribution analytics.AttributionPolicy `json:"attribution"`
}

// Key returns the hex SHA-256 of the request. Equal requests always map
// to the same key, so it is safe to use as a result cache key.
func (r Request) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s|%d|%d|%s|%s",
		len(r.ClientID), r.ClientID,
		unixNano(r.Range.From), unixNano(r.Range.To),
		strconv.FormatFloat(r.Budget, 'g', -1, 64),
		r.Attribution,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// dataKey identifies the input snapshot a request reads.
func dataKey(clientID string, rng models.DateRange) string {
	return fmt.Sprintf("%d:%s|%d|%d", len(clientID), clientID, unixNano(rng.From), unixNano(rng.To))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
