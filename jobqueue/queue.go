package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatrelay-backend/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultBackoffBase is the exponential backoff unit for failed jobs:
// next_retry_at = now + 2^retry_count × base (60s, 120s, 240s, ... for the
// default). Tunable; the curve constants are configuration, not semantics.
const DefaultBackoffBase = 30 * time.Second

// DefaultTimeout bounds a claimed job when the row carries no timeout of
// its own.
const DefaultTimeout = 60 * time.Second

const (
	defaultMaxRetries     = 3
	defaultTimeoutSeconds = 60
)

// Queue owns the jobs table: durable enqueue, atomic claim, completion,
// failure with backoff, timeout recovery and the per-contact exclusion
// rule. Any number of workers may share one Queue's table; the table is
// the only coordination point.
type Queue struct {
	db *gorm.DB

	// BackoffBase is the exponential retry unit applied by Fail.
	BackoffBase time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func New(db *gorm.DB) *Queue {
	return &Queue{
		db:          db,
		BackoffBase: DefaultBackoffBase,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueOptions carries everything optional about a new job.
type EnqueueOptions struct {
	TenantId       string
	ContactId      *string
	Priority       int       // defaults to PriorityNormal
	MaxRetries     int       // defaults to 3
	TimeoutSeconds int       // defaults to 60
	ScheduledFor   time.Time // defaults to now
}

// Enqueue inserts a pending job. It does not deduplicate; callers decide
// whether work is already staged (the admission path checks the event
// store before enqueueing).
func (q *Queue) Enqueue(jobType string, payload any, opts EnqueueOptions) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: marshal payload: %w", jobType, err)
	}
	if opts.Priority == 0 {
		opts.Priority = models.PriorityNormal
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = defaultTimeoutSeconds
	}
	if opts.ScheduledFor.IsZero() {
		opts.ScheduledFor = q.Now()
	}

	job := models.Job{
		TenantId:       opts.TenantId,
		JobType:        jobType,
		Priority:       opts.Priority,
		ContactId:      opts.ContactId,
		Payload:        datatypes.JSON(raw),
		Status:         models.JobStatusPending,
		MaxRetries:     opts.MaxRetries,
		TimeoutSeconds: opts.TimeoutSeconds,
		ScheduledFor:   opts.ScheduledFor,
	}
	if err := q.db.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return &job, nil
}

// Dequeue claims exactly one eligible job for workerID, or returns nil
// when nothing is eligible. Eligible means: pending, due, optionally one
// of jobTypes, and not sharing a contact with any currently-processing
// job. Selection is priority first, then oldest scheduled_for.
//
// The claim is a single conditional UPDATE (select-and-claim in one
// statement), never a separate read followed by a write. If two claimers
// still race onto the same contact, the partial unique index on
// (contact_id) WHERE status='processing' rejects the second claim; that
// shows up as a unique violation and is treated as "no work this tick".
func (q *Queue) Dequeue(workerID string, jobTypes ...string) (*models.Job, error) {
	now := q.Now()

	sub := `SELECT id FROM jobs
		WHERE status = ? AND scheduled_for <= ?`
	args := []any{models.JobStatusPending, now}
	if len(jobTypes) > 0 {
		sub += ` AND job_type IN ?`
		args = append(args, jobTypes)
	}
	sub += ` AND (contact_id IS NULL OR contact_id NOT IN (
			SELECT contact_id FROM jobs
			WHERE status = ? AND contact_id IS NOT NULL))
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT 1`
	args = append(args, models.JobStatusProcessing)

	claim := `UPDATE jobs
		SET status = ?, locked_by = ?, locked_at = ?, started_at = ?, updated_at = ?
		WHERE id = (` + sub + `) AND status = ?
		RETURNING id`
	claimArgs := append([]any{models.JobStatusProcessing, workerID, now, now, now}, args...)
	claimArgs = append(claimArgs, models.JobStatusPending)

	var claimed struct{ Id string }
	res := q.db.Raw(claim, claimArgs...).Scan(&claimed)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue claim failed: %w", res.Error)
	}
	if res.RowsAffected == 0 || claimed.Id == "" {
		return nil, nil
	}

	var job models.Job
	if err := q.db.Where("id = ?", claimed.Id).First(&job).Error; err != nil {
		return nil, fmt.Errorf("dequeue readback failed: %w", err)
	}
	return &job, nil
}

// Get returns one job by id.
func (q *Queue) Get(id string) (*models.Job, error) {
	var job models.Job
	if err := q.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete is the terminal success transition. The result is stored
// opaque next to the job.
func (q *Queue) Complete(id string, result any) error {
	updates := map[string]any{
		"status":       models.JobStatusCompleted,
		"completed_at": q.Now(),
		"locked_by":    nil,
		"locked_at":    nil,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("complete %s: marshal result: %w", id, err)
		}
		updates["result"] = datatypes.JSON(raw)
	}
	return q.db.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error
}

// Fail records a handler failure with exponential backoff. The job stays
// "failed"; the retry sweep requeues it until max_retries, after which it
// remains failed forever and is surfaced to operators instead.
func (q *Queue) Fail(id string, procErr error, stack string) error {
	var job models.Job
	if err := q.db.Where("id = ?", id).First(&job).Error; err != nil {
		return err
	}
	retries := job.RetryCount + 1
	next := q.Now().Add(q.BackoffBase << retries) // base × 2^retries
	return q.db.Model(&job).Updates(map[string]any{
		"status":        models.JobStatusFailed,
		"retry_count":   retries,
		"next_retry_at": &next,
		"locked_by":     nil,
		"locked_at":     nil,
		"error_message": procErr.Error(),
		"error_stack":   stack,
	}).Error
}

// GetJobsForRetry returns failed jobs whose backoff elapsed and that still
// have retries left. Exhausted jobs are never returned.
func (q *Queue) GetJobsForRetry(limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := q.db.
		Where("status = ? AND retry_count < max_retries AND next_retry_at <= ?",
			models.JobStatusFailed, q.Now()).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ResetForRetry flips a failed job back to pending so Dequeue can claim it
// again. Also the operator's manual-requeue primitive.
func (q *Queue) ResetForRetry(id string) error {
	return q.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusFailed).
		Updates(map[string]any{
			"status":        models.JobStatusPending,
			"next_retry_at": nil,
		}).Error
}

// RecoverTimeoutJobs reclaims processing jobs whose lock outlived their
// own timeout (falling back to defaultTimeout). This is the only place a
// crashed worker's claim is broken; the request path never does this.
// Returns how many jobs were reset.
func (q *Queue) RecoverTimeoutJobs(defaultTimeout time.Duration) (int64, error) {
	now := q.Now()

	var candidates []models.Job
	if err := q.db.
		Select("id", "locked_at", "timeout_seconds", "locked_by").
		Where("status = ? AND locked_at IS NOT NULL", models.JobStatusProcessing).
		Find(&candidates).Error; err != nil {
		return 0, err
	}

	var reset int64
	for _, job := range candidates {
		timeout := defaultTimeout
		if job.TimeoutSeconds > 0 {
			timeout = time.Duration(job.TimeoutSeconds) * time.Second
		}
		if job.LockedAt == nil || now.Sub(*job.LockedAt) <= timeout {
			continue
		}
		res := q.db.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.Id, models.JobStatusProcessing).
			Updates(map[string]any{
				"status":        models.JobStatusPending,
				"retry_count":   gorm.Expr("retry_count + 1"),
				"locked_by":     nil,
				"locked_at":     nil,
				"error_message": fmt.Sprintf("timeout recovery: lock exceeded %s", timeout),
			})
		if res.Error != nil {
			return reset, res.Error
		}
		reset += res.RowsAffected
	}
	return reset, nil
}

// Cancel transitions a pending job to cancelled. Claimed work is never
// preempted, so any other status is a no-op; the bool reports whether the
// cancel took effect.
func (q *Queue) Cancel(id string) (bool, error) {
	res := q.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusPending).
		Update("status", models.JobStatusCancelled)
	return res.RowsAffected > 0, res.Error
}

// ReleaseWorkerLocks hands back every job this worker still holds, without
// counting a retry: shutdown is a clean handoff, not a failure.
func (q *Queue) ReleaseWorkerLocks(workerID string) (int64, error) {
	res := q.db.Model(&models.Job{}).
		Where("status = ? AND locked_by = ?", models.JobStatusProcessing, workerID).
		Updates(map[string]any{
			"status":    models.JobStatusPending,
			"locked_by": nil,
			"locked_at": nil,
		})
	return res.RowsAffected, res.Error
}

// ListFailed returns jobs that exhausted their retries, newest first, for
// operator attention.
func (q *Queue) ListFailed(limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := q.db.
		Where("status = ? AND retry_count >= max_retries", models.JobStatusFailed).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Cleanup deletes terminal rows (completed/cancelled) older than the
// retention window. Failed rows are kept regardless of age: they are the
// operator's audit trail.
func (q *Queue) Cleanup(daysToKeep int) (int64, error) {
	cutoff := q.Now().AddDate(0, 0, -daysToKeep)
	res := q.db.
		Where("status IN ? AND created_at < ?",
			[]string{models.JobStatusCompleted, models.JobStatusCancelled}, cutoff).
		Delete(&models.Job{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
