package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed" // terminal
	JobStatusFailed     = "failed"    // retryable until max_retries, then terminal
	JobStatusCancelled  = "cancelled" // terminal
)

// Job types. The payload of a job is decoded into a typed variant keyed by
// this tag (see worker.DecodePayload).
const (
	JobTypeMessageProcess     = "message-process"
	JobTypeMessageSend        = "message-send"
	JobTypeMaintenanceCleanup = "maintenance-cleanup"
)

// Priority tiers. Stored as integers so the claim statement can order by
// them; the gaps leave room for intermediate tiers.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 9
)

// Job is one durable unit of work. At most one job per non-null ContactId
// may be "processing" at any instant; a partial unique index backs this up
// at the store level (see database/migrate.go).
type Job struct {
	Id       string `json:"id" gorm:"primaryKey"`
	TenantId string `json:"tenant_id" gorm:"not null;index"`
	JobType  string `json:"job_type" gorm:"not null;index"`
	Priority int    `json:"priority" gorm:"not null;default:5"`

	// ContactId carries the conversation-partner affinity. Jobs with a nil
	// ContactId have no affinity and run fully in parallel.
	ContactId *string `json:"contact_id" gorm:"index"`

	Payload datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Result  datatypes.JSON `json:"result" gorm:"type:jsonb"`

	Status         string `json:"status" gorm:"not null;default:'pending';index"`
	RetryCount     int    `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries     int    `json:"max_retries" gorm:"not null;default:3"`
	TimeoutSeconds int    `json:"timeout_seconds" gorm:"not null;default:60"`

	ScheduledFor time.Time  `json:"scheduled_for" gorm:"not null;index"`
	LockedBy     *string    `json:"locked_by" gorm:"index"`
	LockedAt     *time.Time `json:"locked_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	NextRetryAt  *time.Time `json:"next_retry_at"`

	ErrorMessage string `json:"error_message"`
	ErrorStack   string `json:"-" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (job *Job) BeforeCreate(tx *gorm.DB) (err error) {
	// UUID version 4
	if job.Id == "" {
		job.Id = uuid.NewString()
	}
	return
}

// Exhausted reports whether a failed job is out of retries. Exhausted jobs
// are never requeued automatically; they stay queryable for operators.
func (job *Job) Exhausted() bool {
	return job.Status == JobStatusFailed && job.RetryCount >= job.MaxRetries
}
