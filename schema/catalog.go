package schema

// EventSchema is the top-level shape every persisted event line must
// satisfy. Payload shape is checked separately per event type by
// PayloadSchemas, since payload fields vary by event type.
var EventSchema = &Schema{
	Type:     "object",
	Required: []string{"seq", "event_id", "ts", "type", "payload"},
	Properties: map[string]*Schema{
		"seq":      {Type: "integer"},
		"event_id": {Type: "string"},
		"ts":       {Type: "string"},
		"type": {Type: "string", Enum: []string{
			"impression.recorded",
			"intent.created",
			"resolution.partial",
			"resolution.final",
			"budget.decrement",
			"ledger.append",
			"window.reset",
		}},
		"payload": {Type: "object", AdditionalProperties: true},
	},
}

// PayloadSchemas maps event type to its payload shape.
var PayloadSchemas = map[string]*Schema{
	"impression.recorded": {
		Type:                 "object",
		Required:             []string{"campaign_id", "publisher_id", "creative_id"},
		AdditionalProperties: true,
		Properties: map[string]*Schema{
			"campaign_id":  {Type: "string"},
			"publisher_id": {Type: "string"},
			"creative_id":  {Type: "string"},
		},
	},
	"intent.created": {
		Type:                 "object",
		Required:             []string{"token_id", "campaign_id", "publisher_id", "creative_id"},
		AdditionalProperties: true,
		Properties: map[string]*Schema{
			"token_id":          {Type: "string"},
			"campaign_id":       {Type: "string"},
			"publisher_id":      {Type: "string"},
			"creative_id":       {Type: "string"},
			"intent_type":       {Type: "string"},
			"dwell_seconds":     {Type: "number"},
			"interaction_count": {Type: "integer"},
			"parent_intent_id":  {Type: "string"},
		},
	},
	"resolution.partial": {
		Type:                 "object",
		Required:             []string{"token_id", "stage"},
		AdditionalProperties: true,
		Properties: map[string]*Schema{
			"token_id":     {Type: "string"},
			"stage":        {Type: "string"},
			"value":        {Type: "number"},
			"outcome_type": {Type: "string"},
		},
	},
	"resolution.final": {
		Type:                 "object",
		Required:             []string{"token_id", "stage", "billable"},
		AdditionalProperties: true,
		Properties: map[string]*Schema{
			"token_id":        {Type: "string"},
			"stage":           {Type: "string"},
			"value":           {Type: "number"},
			"outcome_type":    {Type: "string"},
			"weighted_value":  {Type: "number"},
			"billable":        {Type: "boolean"},
		},
	},
	"budget.decrement": {
		Type:                 "object",
		Required:             []string{"campaign_id", "amount"},
		AdditionalProperties: true,
		Properties: map[string]*Schema{
			"campaign_id": {Type: "string"},
			"amount":      {Type: "number"},
		},
	},
	"ledger.append": {
		Type:                 "object",
		Required:             []string{"entry_id", "token_id", "final_stage"},
		AdditionalProperties: true,
		Properties: map[string]*Schema{
			"entry_id":    {Type: "string"},
			"token_id":    {Type: "string"},
			"final_stage": {Type: "string"},
		},
	},
	"window.reset": {
		Type:                 "object",
		AdditionalProperties: true,
	},
}

// DLQEntrySchema validates a dead-letter journal line.
var DLQEntrySchema = &Schema{
	Type:     "object",
	Required: []string{"failed_at", "seq", "event_id", "status", "error"},
	Properties: map[string]*Schema{
		"failed_at": {Type: "string"},
		"seq":       {Type: "integer"},
		"event_id":  {Type: "string"},
		"status":    {Type: "string"},
		"error":     {Type: "string"},
		"payload":   {Type: "object", AdditionalProperties: true},
	},
	AdditionalProperties: true,
}

// PublisherSchema validates one entry of registry/publishers.json.
var PublisherSchema = &Schema{
	Type:     "object",
	Required: []string{"publisher_id", "selection_mode", "floor_type"},
	Properties: map[string]*Schema{
		"publisher_id":          {Type: "string"},
		"selection_mode":        {Type: "string", Enum: []string{"raw", "weighted"}},
		"floor_type":            {Type: "string", Enum: []string{"raw", "weighted"}},
		"floor_value_per_1k":    {Type: "number"},
		"allowed_demand_types":  {Type: "array", Items: &Schema{Type: "string"}},
		"demand_priority":       {Type: "array", Items: &Schema{Type: "string"}},
		"rev_share_bps":         {Type: "integer"},
	},
	AdditionalProperties: true,
}

// CampaignSchema validates one entry of registry/campaigns.json.
var CampaignSchema = &Schema{
	Type:     "object",
	Required: []string{"campaign_id", "publisher_id", "advertiser_id", "creative_id"},
	Properties: map[string]*Schema{
		"campaign_id":     {Type: "string"},
		"publisher_id":    {Type: "string"},
		"advertiser_id":   {Type: "string"},
		"creative_id":     {Type: "string"},
		"outcome_weights": {Type: "object", AdditionalProperties: true},
		"caps": {Type: "object", AdditionalProperties: true, Properties: map[string]*Schema{
			"max_outcomes":       {Type: "integer"},
			"max_weighted_value": {Type: "number"},
		}},
		"publisher_rev_share_bps": {Type: "integer"},
		"budget_total":            {Type: "number"},
	},
	AdditionalProperties: true,
}

// CreativeSchema validates one entry of registry/creatives.json.
var CreativeSchema = &Schema{
	Type:     "object",
	Required: []string{"creative_id", "demand_type", "sizes"},
	Properties: map[string]*Schema{
		"creative_id":  {Type: "string"},
		"demand_type":  {Type: "string"},
		"sizes":        {Type: "array", Items: &Schema{Type: "string"}},
		"creative_url": {Type: "string"},
	},
	AdditionalProperties: true,
}
