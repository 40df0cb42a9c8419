package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event statuses. An event is staged as "pending", picked up as
// "processing" and ends in exactly one of the terminal/non-terminal
// outcomes below.
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed" // terminal
	EventStatusSkipped    = "skipped"   // terminal, non-error
	EventStatusError      = "error"     // retryable until max_retries
)

// InboundEvent is one admitted webhook delivery attempt, recorded verbatim
// before any processing happens. The pair (provider, provider_event_id) is
// the sole deduplication mechanism; events without a provider event id are
// never deduplicated.
type InboundEvent struct {
	Id       string `json:"id" gorm:"primaryKey"`
	TenantId string `json:"tenant_id" gorm:"not null;index"`
	Provider string `json:"provider" gorm:"not null"`

	// ProviderEventId is the idempotency token. Nullable; uniqueness with
	// Provider is enforced by a partial index (see database/migrate.go).
	ProviderEventId *string `json:"provider_event_id" gorm:"index"`

	EventType  string         `json:"event_type" gorm:"not null"`
	ContactKey *string        `json:"contact_key"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb"`

	Status     string `json:"status" gorm:"not null;default:'pending';index"`
	RetryCount int    `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries int    `json:"max_retries" gorm:"not null;default:3"`

	NextRetryAt         *time.Time `json:"next_retry_at" gorm:"index"`
	ProcessingStartedAt *time.Time `json:"processing_started_at"`
	ProcessedAt         *time.Time `json:"processed_at"`

	ErrorMessage string `json:"error_message"`
	ErrorStack   string `json:"-" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (event *InboundEvent) BeforeCreate(tx *gorm.DB) (err error) {
	// UUID version 4
	if event.Id == "" {
		event.Id = uuid.NewString()
	}
	return
}

// Terminal reports whether the event reached a final status. Only terminal
// rows are ever eligible for retention cleanup.
func (event *InboundEvent) Terminal() bool {
	return event.Status == EventStatusProcessed || event.Status == EventStatusSkipped
}
