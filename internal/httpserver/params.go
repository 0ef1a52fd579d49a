package httpserver

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/models"
)

const dateLayout = "2006-01-02"

// rangePresets are the lookback windows offered by ?range=.
var rangePresets = map[string]int{
	"7d":  7,
	"30d": 30,
	"90d": 90,
}

// parseRange reads range, from and to. Dates without a time cover the
// whole day; a missing from falls back to the configured lookback before
// to, and a missing to means today. range=all selects every record.
func (s *Server) parseRange(q url.Values) (models.DateRange, error) {
	now := s.now().UTC()

	if preset := q.Get("range"); preset != "" {
		if preset == "all" {
			return models.DateRange{}, nil
		}
		days, ok := rangePresets[preset]
		if !ok {
			return models.DateRange{}, fmt.Errorf("%w: unknown range preset %q", models.ErrInvalidRange, preset)
		}
		return models.DateRange{
			From: startOfDay(now.AddDate(0, 0, -days)),
			To:   endOfDay(now),
		}, nil
	}

	rng := models.DateRange{To: endOfDay(now)}
	if v := q.Get("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return models.DateRange{}, err
		}
		if dateOnly {
			t = endOfDay(t)
		}
		rng.To = t
	}
	if v := q.Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return models.DateRange{}, err
		}
		rng.From = t
	} else {
		rng.From = startOfDay(rng.To.Add(-s.config.Optimizer.DefaultLookback))
	}

	return rng, rng.Validate()
}

// parseTime accepts YYYY-MM-DD or RFC 3339 and reports which one it got.
func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %q is neither YYYY-MM-DD nor RFC 3339", models.ErrInvalidRange, v)
	}
	return t.UTC(), false, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Nanosecond)
}

// parseBudget returns the configured default for an empty value.
func (s *Server) parseBudget(v string) (float64, error) {
	if v == "" {
		return s.config.Optimizer.DefaultBudget, nil
	}
	b, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", analytics.ErrInvalidBudget, v)
	}
	return b, analytics.ValidateBudget(b)
}

// parseAttribution leaves an empty value to the optimizer default.
func parseAttribution(v string) (analytics.AttributionPolicy, error) {
	if v == "" {
		return "", nil
	}
	return analytics.ParseAttributionPolicy(v)
}
