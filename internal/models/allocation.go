package models

// ChannelSpend is the per-channel allocation snapshot. It is derived per
// request and never persisted as a source of truth.
type ChannelSpend struct {
	Channel string `json:"channel"`

	// Raw counters
	Registrations int64   `json:"registrations"`
	Conversions   int64   `json:"conversions"`
	Fraudulent    int64   `json:"fraudulent"`
	Revenue       float64 `json:"revenue"`

	// Current performance
	CurrentSpend   float64 `json:"current_spend"`
	CurrentCAC     float64 `json:"current_cac"`
	CurrentLTV     float64 `json:"current_ltv"`
	FraudRate      float64 `json:"fraud_rate"`
	ConversionRate float64 `json:"conversion_rate"`

	// Recommendation
	Score            float64 `json:"score"`
	RecommendedSpend float64 `json:"recommended_spend"`
	ProjectedCAC     float64 `json:"projected_cac"`
	ProjectedSavings float64 `json:"projected_savings"`
}

// AllocationStatus tells the presenter whether channels were produced.
type AllocationStatus string

const (
	AllocationOK               AllocationStatus = "ok"
	AllocationInsufficientData AllocationStatus = "insufficient_data"
)

// AllocationTotals aggregates an allocation across its channels.
type AllocationTotals struct {
	CurrentSpend     float64 `json:"current_spend"`
	RecommendedSpend float64 `json:"recommended_spend"`
	ProjectedSavings float64 `json:"projected_savings"`
	AvgCurrentCAC    float64 `json:"avg_current_cac"`
	AvgProjectedCAC  float64 `json:"avg_projected_cac"`
}

// AllocationResult is the reallocation plan, channels sorted by
// recommended spend descending.
type AllocationResult struct {
	Status      AllocationStatus `json:"status"`
	TotalBudget float64          `json:"total_budget"`
	Channels    []ChannelSpend   `json:"channels"`
	Totals      AllocationTotals `json:"totals"`
}

// Report bundles the funnel and the allocation computed from one input
// snapshot.
type Report struct {
	Funnel     FunnelResult     `json:"funnel"`
	Allocation AllocationResult `json:"allocation"`
}
