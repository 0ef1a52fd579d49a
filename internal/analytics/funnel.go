package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// AttributionPolicy decides which event assigns a user to a channel.
type AttributionPolicy string

const (
	// AttributionLastEvent assigns the channel of the last processed event.
	AttributionLastEvent AttributionPolicy = "last_event"
	// AttributionFirstEvent keeps the channel of the first processed event.
	AttributionFirstEvent AttributionPolicy = "first_event"
)

// ParseAttributionPolicy maps a config or query value to a policy. The
// empty string selects AttributionLastEvent.
func ParseAttributionPolicy(s string) (AttributionPolicy, error) {
	switch AttributionPolicy(s) {
	case "", AttributionLastEvent:
		return AttributionLastEvent, nil
	case AttributionFirstEvent:
		return AttributionFirstEvent, nil
	}
	return "", fmt.Errorf("unknown attribution policy %q", s)
}

// userJourney holds what the funnel needs to know about one user: the
// attributed channel, a bitmask of reached stages and the earliest time
// each stage was seen.
type userJourney struct {
	channel   string
	stages    uint8
	firstSeen [models.StageCount]time.Time
}

func (j *userJourney) has(stage int) bool {
	return j.stages&(1<<uint(stage)) != 0
}

// FunnelAggregator reduces lifecycle events into per-user stage sets and
// then into overall and per-channel funnels. Events may arrive in any
// order; a user is counted at every stage it has reached.
type FunnelAggregator struct {
	policy   AttributionPolicy
	index    map[string]int
	journeys []userJourney
}

// NewFunnelAggregator creates an empty aggregator.
func NewFunnelAggregator(policy AttributionPolicy) *FunnelAggregator {
	if policy == "" {
		policy = AttributionLastEvent
	}
	return &FunnelAggregator{
		policy: policy,
		index:  make(map[string]int),
	}
}

// Add folds one event into the aggregator. Events whose type is not a
// funnel stage are ignored.
func (f *FunnelAggregator) Add(e models.Event) {
	stage, ok := e.EventType.StageIndex()
	if !ok {
		return
	}

	i, seen := f.index[e.UserID]
	if !seen {
		i = len(f.journeys)
		f.index[e.UserID] = i
		f.journeys = append(f.journeys, userJourney{channel: e.Channel})
	}
	j := &f.journeys[i]

	if seen && f.policy == AttributionLastEvent {
		j.channel = e.Channel
	}

	j.stages |= 1 << uint(stage)
	if t := j.firstSeen[stage]; t.IsZero() || e.Timestamp.Before(t) {
		j.firstSeen[stage] = e.Timestamp
	}
}

// stageTally accumulates counts and stage-to-stage durations.
type stageTally struct {
	counts  [models.StageCount]int64
	hours   [models.StageCount - 1]float64
	hourObs [models.StageCount - 1]int64
}

func (t *stageTally) add(j *userJourney) {
	for s := 0; s < models.StageCount; s++ {
		if j.has(s) {
			t.counts[s]++
		}
	}
	for s := 0; s < models.StageCount-1; s++ {
		if !j.has(s) || !j.has(s+1) {
			continue
		}
		d := j.firstSeen[s+1].Sub(j.firstSeen[s])
		if d < 0 {
			continue
		}
		t.hours[s] += d.Hours()
		t.hourObs[s]++
	}
}

func (t *stageTally) stages() []models.FunnelStage {
	out := make([]models.FunnelStage, models.StageCount)
	for i, st := range models.FunnelStages {
		fs := models.FunnelStage{
			Stage: st.Label(),
			Count: t.counts[i],
		}
		if i == 0 {
			if t.counts[0] > 0 {
				fs.Percentage = 100
			}
		} else {
			fs.Percentage = percentOf(float64(t.counts[i]), float64(t.counts[0]))
			fs.DropOffRate = percentOf(float64(t.counts[i-1]-t.counts[i]), float64(t.counts[i-1]))
		}
		if i < models.StageCount-1 {
			fs.AvgTimeToNext = SafeDiv(t.hours[i], float64(t.hourObs[i]))
		}
		out[i] = fs
	}
	return out
}

// Result builds the overall funnel, one funnel per attributed channel
// (ordered by channel name) and the headline summary.
func (f *FunnelAggregator) Result() models.FunnelResult {
	var overall stageTally
	byChannel := make(map[string]*stageTally)

	for i := range f.journeys {
		j := &f.journeys[i]
		overall.add(j)

		ct, ok := byChannel[j.channel]
		if !ok {
			ct = &stageTally{}
			byChannel[j.channel] = ct
		}
		ct.add(j)
	}

	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	last := models.StageCount - 1
	funnels := make([]models.ChannelFunnel, 0, len(channels))
	for _, ch := range channels {
		ct := byChannel[ch]
		funnels = append(funnels, models.ChannelFunnel{
			Channel:        ch,
			Stages:         ct.stages(),
			TotalStarted:   ct.counts[0],
			TotalCompleted: ct.counts[last],
			CompletionRate: percentOf(float64(ct.counts[last]), float64(ct.counts[0])),
		})
	}

	stages := overall.stages()
	return models.FunnelResult{
		Overall:   stages,
		ByChannel: funnels,
		Summary:   summarize(stages, int64(len(f.journeys))),
	}
}

func summarize(stages []models.FunnelStage, users int64) models.FunnelSummary {
	s := models.FunnelSummary{Users: users}
	if len(stages) == 0 {
		return s
	}
	s.CompletionRate = stages[len(stages)-1].Percentage
	for _, st := range stages {
		if st.DropOffRate > s.BiggestDropOffRate {
			s.BiggestDropOffRate = st.DropOffRate
			s.BiggestDropOff = st.Stage
		}
	}
	return s
}

// AggregateFunnel is a convenience wrapper running a FunnelAggregator over
// a slice of events.
func AggregateFunnel(events []models.Event, policy AttributionPolicy) models.FunnelResult {
	agg := NewFunnelAggregator(policy)
	for _, e := range events {
		agg.Add(e)
	}
	return agg.Result()
}
