/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Static on-disk catalog of publishers, campaigns and
             creatives, validated and referentially checked at load.
Root Cause:  Selection, command and reporting all need a shared,
             read-only view of policy data that never changes except
             at process restart.
Context:     Loaded once at startup; unknown advertiser/campaign/
             creative references are fatal load errors.
Suitability: L2 — static catalog load + referential check.
──────────────────────────────────────────────────────────────
*/

package registry

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/schema"
	"github.com/crystalford/flyback/storage"
)

// Registry is the read-only, in-memory catalog loaded at startup.
type Registry struct {
	publishers map[string]Publisher
	campaigns  map[string]Campaign
	creatives  map[string]Creative

	// campaignsByPublisher indexes campaign ids owned by a publisher.
	campaignsByPublisher map[string][]string
}

// Load reads publishers.json, campaigns.json and creatives.json from
// dir. A missing file is treated as an empty catalog; malformed JSON
// or a schema/referential-integrity violation is a fatal load error.
func Load(dir string, logger zerolog.Logger) (*Registry, error) {
	var publishers []Publisher
	var campaigns []Campaign
	var creatives []Creative

	if err := loadArray(dir+"/publishers.json", schema.PublisherSchema, &publishers); err != nil {
		return nil, fmt.Errorf("registry: publishers: %w", err)
	}
	if err := loadArray(dir+"/campaigns.json", schema.CampaignSchema, &campaigns); err != nil {
		return nil, fmt.Errorf("registry: campaigns: %w", err)
	}
	if err := loadArray(dir+"/creatives.json", schema.CreativeSchema, &creatives); err != nil {
		return nil, fmt.Errorf("registry: creatives: %w", err)
	}

	r := &Registry{
		publishers:           make(map[string]Publisher, len(publishers)),
		campaigns:            make(map[string]Campaign, len(campaigns)),
		creatives:            make(map[string]Creative, len(creatives)),
		campaignsByPublisher: make(map[string][]string),
	}
	for _, p := range publishers {
		r.publishers[p.PublisherID] = p
	}
	for _, c := range creatives {
		r.creatives[c.CreativeID] = c
	}
	for _, c := range campaigns {
		r.campaigns[c.CampaignID] = c
		r.campaignsByPublisher[c.PublisherID] = append(r.campaignsByPublisher[c.PublisherID], c.CampaignID)
	}

	if err := r.checkReferentialIntegrity(); err != nil {
		return nil, fmt.Errorf("registry: referential integrity: %w", err)
	}

	logger.Info().
		Int("publishers", len(r.publishers)).
		Int("campaigns", len(r.campaigns)).
		Int("creatives", len(r.creatives)).
		Msg("registry loaded")

	return r, nil
}

func loadArray[T any](path string, s *schema.Schema, out *[]T) error {
	raw, ok, err := storage.ReadFile(path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var generic []any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i, el := range generic {
		if err := schema.Validate(s, el); err != nil {
			return fmt.Errorf("%s entry %d: %w", path, i, err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (r *Registry) checkReferentialIntegrity() error {
	for _, c := range r.campaigns {
		if _, ok := r.publishers[c.PublisherID]; !ok {
			return fmt.Errorf("campaign %s references unknown publisher %s", c.CampaignID, c.PublisherID)
		}
		if _, ok := r.creatives[c.CreativeID]; !ok {
			return fmt.Errorf("campaign %s references unknown creative %s", c.CampaignID, c.CreativeID)
		}
		if c.AdvertiserID == "" {
			return fmt.Errorf("campaign %s missing advertiser_id", c.CampaignID)
		}
	}
	return nil
}

// Publisher looks up a publisher by id.
func (r *Registry) Publisher(id string) (Publisher, bool) {
	p, ok := r.publishers[id]
	return p, ok
}

// Campaign looks up a campaign by id.
func (r *Registry) Campaign(id string) (Campaign, bool) {
	c, ok := r.campaigns[id]
	return c, ok
}

// Creative looks up a creative by id.
func (r *Registry) Creative(id string) (Creative, bool) {
	c, ok := r.creatives[id]
	return c, ok
}

// AllCampaigns returns every campaign in the catalog, in no
// particular order.
func (r *Registry) AllCampaigns() []Campaign {
	out := make([]Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		out = append(out, c)
	}
	return out
}

// CampaignsForPublisher returns every campaign owned by publisherID.
func (r *Registry) CampaignsForPublisher(publisherID string) []Campaign {
	ids := r.campaignsByPublisher[publisherID]
	out := make([]Campaign, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.campaigns[id])
	}
	return out
}

// PublisherOwnsCampaign reports whether publisherID owns campaignID.
func (r *Registry) PublisherOwnsCampaign(publisherID, campaignID string) bool {
	c, ok := r.campaigns[campaignID]
	return ok && c.PublisherID == publisherID
}

// CampaignOwnsCreative reports whether campaignID's creative is
// creativeID.
func (r *Registry) CampaignOwnsCreative(campaignID, creativeID string) bool {
	c, ok := r.campaigns[campaignID]
	return ok && c.CreativeID == creativeID
}
