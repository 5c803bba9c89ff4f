package schema

import (
	"encoding/json"
	"fmt"
)

// ValidateJSON marshals v to JSON, decodes it generically, and checks
// the result against s. This lets callers validate a typed Go struct
// (an Event, a registry entry, a DLQ entry) against a declarative
// Schema without hand-writing per-type checks.
func ValidateJSON(s *Schema, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("validate: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("validate: unmarshal: %w", err)
	}
	return Validate(s, generic)
}

// ValidateEvent checks an event's envelope shape and, if a payload
// schema is registered for its type, the payload shape too.
func ValidateEvent(eventType string, v any) error {
	if err := ValidateJSON(EventSchema, v); err != nil {
		return err
	}
	if ps, ok := PayloadSchemas[eventType]; ok {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var env struct {
			Payload any `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		if err := Validate(ps, env.Payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}
	return nil
}
