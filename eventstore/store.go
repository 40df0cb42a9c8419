package eventstore

import (
	"errors"
	"fmt"
	"time"

	"chatrelay-backend/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultBackoffBase is the linear backoff unit for errored events. Events
// are coarse staging records; the job queue underneath retries on a finer
// exponential curve. Both are tunable, the curves are not a contract.
const DefaultBackoffBase = 5 * time.Minute

const defaultMaxRetries = 3

// Store owns the inbound_events table: staging with deduplication, status
// transitions, retry bookkeeping and stuck-row recovery.
type Store struct {
	db *gorm.DB

	// BackoffBase is the linear retry unit applied by MarkError.
	BackoffBase time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{
		db:          db,
		BackoffBase: DefaultBackoffBase,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// StageInput is everything the admission path knows about a delivery.
type StageInput struct {
	TenantId   string
	Provider   string
	EventType  string
	Token      *string // idempotency token; nil disables dedup for this event
	ContactKey *string
	Payload    []byte
	MaxRetries int
}

// StageResult reports whether the delivery was new or a retried duplicate.
type StageResult struct {
	Event       *models.InboundEvent
	IsNew       bool
	IsDuplicate bool
}

// Stage durably records a delivery before any processing is attempted.
// If an event with the same (provider, token) already exists the call only
// touches updated_at and reports IsDuplicate; the caller must not enqueue
// a second job in that case. Concurrent stagings of the same token race on
// the partial unique index; the loser re-reads the winner's row.
func (s *Store) Stage(in StageInput) (StageResult, error) {
	if in.MaxRetries <= 0 {
		in.MaxRetries = defaultMaxRetries
	}

	if in.Token != nil {
		var existing models.InboundEvent
		err := s.db.Where("provider = ? AND provider_event_id = ?", in.Provider, *in.Token).
			First(&existing).Error
		if err == nil {
			s.db.Model(&existing).Update("updated_at", s.Now())
			return StageResult{Event: &existing, IsDuplicate: true}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return StageResult{}, fmt.Errorf("stage lookup failed: %w", err)
		}
	}

	event := models.InboundEvent{
		TenantId:        in.TenantId,
		Provider:        in.Provider,
		ProviderEventId: in.Token,
		EventType:       in.EventType,
		ContactKey:      in.ContactKey,
		Payload:         datatypes.JSON(in.Payload),
		Status:          models.EventStatusPending,
		MaxRetries:      in.MaxRetries,
	}
	if err := s.db.Create(&event).Error; err != nil {
		// Unique race: another staging of the same token won the insert.
		if in.Token != nil {
			var existing models.InboundEvent
			if e2 := s.db.Where("provider = ? AND provider_event_id = ?", in.Provider, *in.Token).
				First(&existing).Error; e2 == nil {
				return StageResult{Event: &existing, IsDuplicate: true}, nil
			}
		}
		return StageResult{}, fmt.Errorf("stage insert failed: %w", err)
	}
	return StageResult{Event: &event, IsNew: true}, nil
}

// Get returns one event by id.
func (s *Store) Get(id string) (*models.InboundEvent, error) {
	var event models.InboundEvent
	if err := s.db.Where("id = ?", id).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkProcessing flips pending → processing and stamps the start time.
// Any other current status makes this a no-op, so a double invocation
// cannot restart a finished event.
func (s *Store) MarkProcessing(id string) error {
	now := s.Now()
	return s.db.Model(&models.InboundEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusPending).
		Updates(map[string]any{
			"status":                models.EventStatusProcessing,
			"processing_started_at": &now,
		}).Error
}

// MarkProcessed is the terminal success transition.
func (s *Store) MarkProcessed(id string) error {
	now := s.Now()
	return s.db.Model(&models.InboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       models.EventStatusProcessed,
			"processed_at": &now,
		}).Error
}

// MarkSkipped is the terminal non-error transition: the business handler
// decided the event needs no action.
func (s *Store) MarkSkipped(id, reason string) error {
	now := s.Now()
	return s.db.Model(&models.InboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        models.EventStatusSkipped,
			"processed_at":  &now,
			"error_message": reason,
		}).Error
}

// MarkError records a processing failure with linear backoff:
// next_retry_at = now + retry_count × BackoffBase after the increment.
func (s *Store) MarkError(id string, procErr error, stack string) error {
	var event models.InboundEvent
	if err := s.db.Where("id = ?", id).First(&event).Error; err != nil {
		return err
	}
	retries := event.RetryCount + 1
	next := s.Now().Add(time.Duration(retries) * s.BackoffBase)
	return s.db.Model(&event).Updates(map[string]any{
		"status":        models.EventStatusError,
		"retry_count":   retries,
		"next_retry_at": &next,
		"error_message": procErr.Error(),
		"error_stack":   stack,
	}).Error
}

// GetEventsForRetry returns errored events whose backoff has elapsed and
// that still have retries left, oldest first.
func (s *Store) GetEventsForRetry(limit int) ([]models.InboundEvent, error) {
	var events []models.InboundEvent
	err := s.db.
		Where("status = ? AND retry_count < max_retries AND next_retry_at <= ?",
			models.EventStatusError, s.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ResetForRetry flips an errored event back to pending so a fresh job can
// pick it up. Only valid from the error status.
func (s *Store) ResetForRetry(id string) error {
	return s.db.Model(&models.InboundEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusError).
		Updates(map[string]any{
			"status":        models.EventStatusPending,
			"next_retry_at": nil,
		}).Error
}

// ResetStuckEvents reclaims events a crashed worker left in "processing".
// Returns the number of rows reset.
func (s *Store) ResetStuckEvents(timeout time.Duration) (int64, error) {
	cutoff := s.Now().Add(-timeout)
	res := s.db.Model(&models.InboundEvent{}).
		Where("status = ? AND processing_started_at < ?", models.EventStatusProcessing, cutoff).
		Updates(map[string]any{
			"status":                models.EventStatusPending,
			"retry_count":           gorm.Expr("retry_count + 1"),
			"processing_started_at": nil,
			"error_message":         "timeout recovery",
		})
	return res.RowsAffected, res.Error
}

// Cleanup deletes terminal rows (processed/skipped) older than the
// retention window. Pending, processing and errored rows are kept
// regardless of age.
func (s *Store) Cleanup(daysToKeep int) (int64, error) {
	cutoff := s.Now().AddDate(0, 0, -daysToKeep)
	res := s.db.
		Where("status IN ? AND created_at < ?",
			[]string{models.EventStatusProcessed, models.EventStatusSkipped}, cutoff).
		Delete(&models.InboundEvent{})
	return res.RowsAffected, res.Error
}

// ListErrors returns events that are out of retries, newest first, for the
// operator surface. They are never deleted or silently requeued.
func (s *Store) ListErrors(limit int) ([]models.InboundEvent, error) {
	var events []models.InboundEvent
	err := s.db.
		Where("status = ? AND retry_count >= max_retries", models.EventStatusError).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
