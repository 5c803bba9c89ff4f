package delivery

import "time"

// CursorState is the persisted delivery cursor.
type CursorState struct {
	LastDeliveredSeq int64     `json:"last_delivered_seq"`
	LastAttemptAt    time.Time `json:"last_attempt_at,omitempty"`
	RetryCount       int       `json:"retry_count"`
}

// Health is the read-only view exposed at GET /v1/delivery and folded
// into report views.
type Health struct {
	LastDeliveredSeq int64     `json:"last_delivered_seq"`
	LastAttemptAt    time.Time `json:"last_attempt_at,omitempty"`
	LastEventSeq     int64     `json:"last_event_seq"`
	DeliveryLag      int64     `json:"delivery_lag"`
	RetryCount       int       `json:"retry_count"`
	DLQCount         int64     `json:"dlq_count"`
	DLQLastEntry     *DLQEntry `json:"dlq_last_entry,omitempty"`
}

// DLQEntry is one dead-lettered delivery failure.
type DLQEntry struct {
	FailedAt time.Time       `json:"failed_at"`
	Seq      int64           `json:"seq"`
	EventID  string          `json:"event_id"`
	Status   string          `json:"status"`
	Error    string          `json:"error"`
	Payload  any             `json:"payload,omitempty"`
}

// outboundPayload is the body POSTed to the configured webhook.
type outboundPayload struct {
	SchemaVersion int    `json:"schema_version"`
	DeliveryTS    string `json:"delivery_ts"`
	Seq           int64  `json:"seq"`
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	TS            string `json:"ts"`
	Payload       any    `json:"payload"`
}
