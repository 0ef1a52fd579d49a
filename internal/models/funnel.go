package models

// FunnelStage is one row of a funnel. Percentage and DropOffRate are in
// [0,100]. AvgTimeToNext is the mean number of hours users took to reach
// the next stage.
type FunnelStage struct {
	Stage         string  `json:"stage"`
	Count         int64   `json:"count"`
	Percentage    float64 `json:"percentage"`
	DropOffRate   float64 `json:"drop_off_rate"`
	AvgTimeToNext float64 `json:"avg_time_to_next,omitempty"`
}

// ChannelFunnel is the funnel restricted to users attributed to a channel.
type ChannelFunnel struct {
	Channel        string        `json:"channel"`
	Stages         []FunnelStage `json:"stages"`
	TotalStarted   int64         `json:"total_started"`
	TotalCompleted int64         `json:"total_completed"`
	CompletionRate float64       `json:"completion_rate"`
}

// FunnelSummary holds the headline numbers shown above the funnel.
type FunnelSummary struct {
	Users              int64   `json:"users"`
	CompletionRate     float64 `json:"completion_rate"`
	BiggestDropOff     string  `json:"biggest_drop_off_stage,omitempty"`
	BiggestDropOffRate float64 `json:"biggest_drop_off_rate"`
}

// FunnelResult is the overall funnel plus one funnel per channel, ordered
// by channel name.
type FunnelResult struct {
	Overall   []FunnelStage   `json:"overall"`
	ByChannel []ChannelFunnel `json:"by_channel"`
	Summary   FunnelSummary   `json:"summary"`
}
