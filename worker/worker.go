package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"chatrelay-backend/eventstore"
	"chatrelay-backend/jobqueue"
	"chatrelay-backend/models"

	"github.com/google/uuid"
)

// Handler executes one claimed job. Returning an error (or panicking)
// routes the job to Fail with backoff; returning a result routes it to
// Complete. Handlers must be idempotent: a crash after the handler runs
// but before Complete is recorded replays the job (at-least-once).
type Handler func(ctx context.Context, job *models.Job) (any, error)

type Config struct {
	Interval          time.Duration // base polling interval
	Batch             int           // max jobs per tick
	IdleDelay         time.Duration // extra sleep when a tick claims nothing
	JobTypes          []string      // optional dequeue filter; empty = all types
	DefaultJobTimeout time.Duration // fallback when a job row carries no timeout
	StuckEventTimeout time.Duration // processing events older than this are reclaimed
	RetrySweepLimit   int           // max rows per retry sweep
	RetentionDays     int           // terminal-row retention window
	CleanupInterval   time.Duration // cadence for enqueueing maintenance-cleanup; 0 disables
}

func DefaultConfig() Config {
	return Config{
		Interval:          1 * time.Second,
		Batch:             5,
		IdleDelay:         2 * time.Second,
		DefaultJobTimeout: jobqueue.DefaultTimeout,
		StuckEventTimeout: 10 * time.Minute,
		RetrySweepLimit:   50,
		RetentionDays:     30,
		CleanupInterval:   24 * time.Hour,
	}
}

// Worker is one cooperative polling instance. Any number of workers may
// run against the same database; the jobs table is the only coordination
// point between them.
type Worker struct {
	ID string

	events   *eventstore.Store
	jobs     *jobqueue.Queue
	cfg      Config
	handlers map[string]Handler
	logger   *log.Logger

	lastCleanup time.Time
}

func New(events *eventstore.Store, jobs *jobqueue.Queue, cfg Config, logger *log.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 1
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 2 * time.Second
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = jobqueue.DefaultTimeout
	}
	if cfg.StuckEventTimeout <= 0 {
		cfg.StuckEventTimeout = 10 * time.Minute
	}
	if cfg.RetrySweepLimit <= 0 {
		cfg.RetrySweepLimit = 50
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		ID:       "worker-" + uuid.NewString(),
		events:   events,
		jobs:     jobs,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to a job type. Jobs of unregistered types are
// failed, not skipped, so misconfiguration is visible.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run polls until ctx is cancelled, then releases this worker's locks so
// in-flight-but-unfinished claims go straight back to pending instead of
// waiting out the timeout sweep.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Printf("worker %s started: interval=%s batch=%d", w.ID, w.cfg.Interval, w.cfg.Batch)

	for {
		select {
		case <-ctx.Done():
			released, err := w.jobs.ReleaseWorkerLocks(w.ID)
			if err != nil {
				w.logger.Printf("worker %s: releasing locks failed: %v", w.ID, err)
			} else if released > 0 {
				w.logger.Printf("worker %s: released %d locks on shutdown", w.ID, released)
			}
			w.logger.Printf("worker %s stopping: %v", w.ID, ctx.Err())
			return

		case <-ticker.C:
			processed := w.Tick(context.WithoutCancel(ctx))
			if processed == 0 {
				select {
				case <-ctx.Done():
					continue // let the Done branch release locks
				case <-time.After(w.cfg.IdleDelay):
				}
			}
		}
	}
}

// Tick runs one full worker cycle: recovery sweeps, retry sweeps, then up
// to Batch claims. Exported so tests can drive the loop deterministically.
func (w *Worker) Tick(ctx context.Context) int {
	w.maintain()

	processed := 0
	for i := 0; i < w.cfg.Batch; i++ {
		claimed, err := w.processOne(ctx)
		if err != nil {
			w.logger.Printf("worker %s: %v", w.ID, err)
		}
		if !claimed {
			break
		}
		processed++
	}
	return processed
}

func (w *Worker) maintain() {
	if n, err := w.jobs.RecoverTimeoutJobs(w.cfg.DefaultJobTimeout); err != nil {
		w.logger.Printf("worker %s: timeout recovery failed: %v", w.ID, err)
	} else if n > 0 {
		w.logger.Printf("worker %s: recovered %d timed-out jobs", w.ID, n)
	}

	if n, err := w.events.ResetStuckEvents(w.cfg.StuckEventTimeout); err != nil {
		w.logger.Printf("worker %s: stuck event recovery failed: %v", w.ID, err)
	} else if n > 0 {
		w.logger.Printf("worker %s: reset %d stuck events", w.ID, n)
	}

	// Failed jobs whose backoff has elapsed go back to pending.
	retryJobs, err := w.jobs.GetJobsForRetry(w.cfg.RetrySweepLimit)
	if err != nil {
		w.logger.Printf("worker %s: retry sweep failed: %v", w.ID, err)
	}
	for _, job := range retryJobs {
		if err := w.jobs.ResetForRetry(job.Id); err != nil {
			w.logger.Printf("worker %s: requeue of job %s failed: %v", w.ID, job.Id, err)
		}
	}

	// Errored events get a fresh processing job once their backoff elapses.
	retryEvents, err := w.events.GetEventsForRetry(w.cfg.RetrySweepLimit)
	if err != nil {
		w.logger.Printf("worker %s: event retry sweep failed: %v", w.ID, err)
	}
	for _, event := range retryEvents {
		if err := w.events.ResetForRetry(event.Id); err != nil {
			w.logger.Printf("worker %s: event %s reset failed: %v", w.ID, event.Id, err)
			continue
		}
		contactKey := ""
		if event.ContactKey != nil {
			contactKey = *event.ContactKey
		}
		if _, err := w.jobs.Enqueue(models.JobTypeMessageProcess, models.MessageProcessPayload{
			EventId:    event.Id,
			Provider:   event.Provider,
			ContactKey: contactKey,
		}, jobqueue.EnqueueOptions{
			TenantId:  event.TenantId,
			ContactId: event.ContactKey,
		}); err != nil {
			w.logger.Printf("worker %s: re-enqueue for event %s failed: %v", w.ID, event.Id, err)
		}
	}

	w.scheduleCleanup()
}

// scheduleCleanup enqueues the retention sweep as a regular job. Multiple
// workers may each enqueue one per interval; the sweep is idempotent so
// the duplicates are only wasted work, not a correctness problem.
func (w *Worker) scheduleCleanup() {
	if w.cfg.CleanupInterval <= 0 {
		return
	}
	now := time.Now()
	if !w.lastCleanup.IsZero() && now.Sub(w.lastCleanup) < w.cfg.CleanupInterval {
		return
	}
	w.lastCleanup = now
	if _, err := w.jobs.Enqueue(models.JobTypeMaintenanceCleanup, models.MaintenanceCleanupPayload{
		DaysToKeep: w.cfg.RetentionDays,
	}, jobqueue.EnqueueOptions{Priority: models.PriorityLow}); err != nil {
		w.logger.Printf("worker %s: cleanup enqueue failed: %v", w.ID, err)
	}
}

func (w *Worker) processOne(ctx context.Context) (bool, error) {
	job, err := w.jobs.Dequeue(w.ID, w.cfg.JobTypes...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	result, stack, err := w.invoke(ctx, job)
	if err != nil {
		if failErr := w.jobs.Fail(job.Id, err, stack); failErr != nil {
			return true, fmt.Errorf("job %s failed (%v) and could not be recorded: %w", job.Id, err, failErr)
		}
		return true, fmt.Errorf("job %s (%s) failed: %w", job.Id, job.JobType, err)
	}
	if err := w.jobs.Complete(job.Id, result); err != nil {
		return true, fmt.Errorf("job %s completion could not be recorded: %w", job.Id, err)
	}
	return true, nil
}

// invoke runs the handler with panic containment; a panicking handler
// fails its job with the captured stack instead of taking the worker down.
func (w *Worker) invoke(ctx context.Context, job *models.Job) (result any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := w.handlers[job.JobType]
	if !ok {
		return nil, "", fmt.Errorf("no handler registered for job type %q", job.JobType)
	}
	result, err = h(ctx, job)
	return result, "", err
}
