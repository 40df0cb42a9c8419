package models

import (
	"encoding/json"
	"fmt"
)

// Typed job payload variants. Payloads are stored opaque (jsonb) and only
// decoded into one of these at the point where a handler runs, keyed by
// Job.JobType (see DecodeJobPayload).

// MessageProcessPayload links a job back to its staged inbound event.
type MessageProcessPayload struct {
	EventId    string `json:"event_id"`
	Provider   string `json:"provider"`
	ContactKey string `json:"contact_key,omitempty"`
}

// MessageSendPayload describes one outbound reply to deliver.
type MessageSendPayload struct {
	Provider   string `json:"provider"`
	ContactKey string `json:"contact_key"`
	Text       string `json:"text"`
	// EventId of the inbound event this reply answers, for tracing.
	EventId string `json:"event_id,omitempty"`
}

// MaintenanceCleanupPayload tunes the retention sweep.
type MaintenanceCleanupPayload struct {
	DaysToKeep int `json:"days_to_keep"`
}

// DecodeJobPayload returns the typed variant for the job's type, or an
// error for unknown types so the handler can fail the job explicitly.
func DecodeJobPayload(job *Job) (any, error) {
	switch job.JobType {
	case JobTypeMessageProcess:
		var p MessageProcessPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	case JobTypeMessageSend:
		var p MessageSendPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	case JobTypeMaintenanceCleanup:
		var p MaintenanceCleanupPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", job.JobType, err)
			}
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unknown job type %q", job.JobType)
}
