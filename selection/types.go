package selection

import "time"

// Candidate is one creative under consideration for a fill.
type Candidate struct {
	CampaignID  string
	CreativeID  string
	DemandType  string
	MetricUsed  string // "weighted" | "raw_fallback" | "raw"
	MetricValue float64

	NearBudgetExhaustion bool
	NearCapExhaustion    bool
}

// Decision is a recorded selection outcome, kept in a bounded ring.
type Decision struct {
	At          time.Time
	PublisherID string
	Size        string
	Candidates  []Candidate
	Chosen      *Candidate
	MetricUsed  string
}

// Result is what Select returns to the command surface.
type Result struct {
	Chosen     Candidate
	CreativeID string
	CampaignID string
}
