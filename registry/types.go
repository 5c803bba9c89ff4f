package registry

// Publisher holds one publisher's selection and floor policy.
type Publisher struct {
	PublisherID        string   `json:"publisher_id"`
	SelectionMode      string   `json:"selection_mode"` // "raw" | "weighted"
	FloorType          string   `json:"floor_type"`     // "raw" | "weighted"
	FloorValuePer1k    float64  `json:"floor_value_per_1k"`
	AllowedDemandTypes []string `json:"allowed_demand_types"`
	DemandPriority     []string `json:"demand_priority"`
	RevShareBps        int64    `json:"rev_share_bps"`
}

// Caps bounds a campaign's billable outcomes.
type Caps struct {
	MaxOutcomes      int64   `json:"max_outcomes"`
	MaxWeightedValue float64 `json:"max_weighted_value"`
}

// Campaign holds one campaign's ownership, weights and caps.
type Campaign struct {
	CampaignID           string             `json:"campaign_id"`
	PublisherID          string             `json:"publisher_id"`
	AdvertiserID         string             `json:"advertiser_id"`
	CreativeID           string             `json:"creative_id"`
	OutcomeWeights       map[string]float64 `json:"outcome_weights"`
	Caps                 Caps               `json:"caps"`
	PublisherRevShareBps *int64             `json:"publisher_rev_share_bps,omitempty"`
	BudgetTotal          float64            `json:"budget_total"`
}

// Creative holds one creative's sizes, demand type and asset URL.
type Creative struct {
	CreativeID  string   `json:"creative_id"`
	DemandType  string   `json:"demand_type"`
	Sizes       []string `json:"sizes"`
	CreativeURL string   `json:"creative_url"`
}

// OutcomeWeight returns the configured weight for outcomeType, or 1.0
// if the campaign does not define one (neutral multiplier).
func (c Campaign) OutcomeWeight(outcomeType string) float64 {
	if w, ok := c.OutcomeWeights[outcomeType]; ok {
		return w
	}
	return 1.0
}

// RevShareBps resolves the effective publisher rev-share: the
// campaign override if set, else the publisher's default.
func (c Campaign) RevShareBps(pub Publisher) int64 {
	if c.PublisherRevShareBps != nil {
		return *c.PublisherRevShareBps
	}
	return pub.RevShareBps
}
