package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"chatrelay-backend/database"
	"chatrelay-backend/eventstore"
	"chatrelay-backend/jobqueue"
	"chatrelay-backend/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeResponder struct {
	response Response
	err      error
	calls    int
}

func (f *fakeResponder) Respond(ctx context.Context, event *models.InboundEvent) (Response, error) {
	f.calls++
	return f.response, f.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, provider, contactKey, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, contactKey+":"+text)
	return nil
}

type testEnv struct {
	db        *gorm.DB
	events    *eventstore.Store
	jobs      *jobqueue.Queue
	worker    *Worker
	responder *fakeResponder
	sender    *fakeSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.InboundEvent{}, &models.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := database.MigrateIndexes(db); err != nil {
		t.Fatalf("indexes: %v", err)
	}

	events := eventstore.New(db)
	jobs := jobqueue.New(db)
	cfg := DefaultConfig()
	cfg.CleanupInterval = 0 // tests drive cleanup explicitly

	w := New(events, jobs, cfg, log.New(io.Discard, "", 0))
	responder := &fakeResponder{}
	sender := &fakeSender{}
	RegisterHandlers(w, events, jobs, responder, sender)

	return &testEnv{db: db, events: events, jobs: jobs, worker: w, responder: responder, sender: sender}
}

func (env *testEnv) stageAndEnqueue(t *testing.T, token, contact string) (*models.InboundEvent, *models.Job) {
	t.Helper()
	staged, err := env.events.Stage(eventstore.StageInput{
		TenantId:   "t1",
		Provider:   "evolution",
		EventType:  "messages.upsert",
		Token:      &token,
		ContactKey: &contact,
		Payload:    []byte(`{"event":"messages.upsert"}`),
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	job, err := env.jobs.Enqueue(models.JobTypeMessageProcess, models.MessageProcessPayload{
		EventId:    staged.Event.Id,
		Provider:   "evolution",
		ContactKey: contact,
	}, jobqueue.EnqueueOptions{TenantId: "t1", ContactId: &contact})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return staged.Event, job
}

func TestTickProcessesMessageAndQueuesReply(t *testing.T) {
	env := newTestEnv(t)
	env.responder.response = Response{Reply: "thanks, noted"}
	event, job := env.stageAndEnqueue(t, "m1", "c1")

	// one tick drains both the process job and the reply job it queues
	if n := env.worker.Tick(context.Background()); n != 2 {
		t.Fatalf("tick processed %d jobs, want 2", n)
	}
	if env.responder.calls != 1 {
		t.Fatalf("responder called %d times", env.responder.calls)
	}

	gotEvent, _ := env.events.Get(event.Id)
	if gotEvent.Status != models.EventStatusProcessed {
		t.Fatalf("event status = %s, want processed", gotEvent.Status)
	}
	gotJob, _ := env.jobs.Get(job.Id)
	if gotJob.Status != models.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed", gotJob.Status)
	}

	var sendJob models.Job
	if err := env.db.Where("job_type = ?", models.JobTypeMessageSend).First(&sendJob).Error; err != nil {
		t.Fatalf("no send job recorded: %v", err)
	}
	if sendJob.Priority != models.PriorityHigh {
		t.Fatalf("reply priority = %d, want high", sendJob.Priority)
	}
	if sendJob.Status != models.JobStatusCompleted {
		t.Fatalf("send job status = %s, want completed", sendJob.Status)
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0] != "c1:thanks, noted" {
		t.Fatalf("reply not delivered: %v", env.sender.sent)
	}
}

func TestTickSkipsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.responder.response = Response{Skip: true, Reason: "group chatter"}
	event, _ := env.stageAndEnqueue(t, "m1", "c1")

	env.worker.Tick(context.Background())

	gotEvent, _ := env.events.Get(event.Id)
	if gotEvent.Status != models.EventStatusSkipped {
		t.Fatalf("event status = %s, want skipped", gotEvent.Status)
	}
	if gotEvent.ErrorMessage != "group chatter" {
		t.Fatalf("skip reason = %q", gotEvent.ErrorMessage)
	}
}

func TestResponderErrorFailsJobAndEvent(t *testing.T) {
	env := newTestEnv(t)
	env.responder.err = errors.New("nlu backend down")
	event, job := env.stageAndEnqueue(t, "m1", "c1")

	env.worker.Tick(context.Background())

	gotEvent, _ := env.events.Get(event.Id)
	if gotEvent.Status != models.EventStatusError || gotEvent.RetryCount != 1 {
		t.Fatalf("event: status=%s retries=%d", gotEvent.Status, gotEvent.RetryCount)
	}
	gotJob, _ := env.jobs.Get(job.Id)
	if gotJob.Status != models.JobStatusFailed || gotJob.RetryCount != 1 {
		t.Fatalf("job: status=%s retries=%d", gotJob.Status, gotJob.RetryCount)
	}
	if gotJob.ErrorMessage == "" {
		t.Fatal("job error message not recorded")
	}
}

func TestPanickingHandlerFailsJobWithStack(t *testing.T) {
	env := newTestEnv(t)
	env.worker.Register("explosive", func(ctx context.Context, job *models.Job) (any, error) {
		panic("kaboom")
	})
	job, _ := env.jobs.Enqueue("explosive", nil, jobqueue.EnqueueOptions{TenantId: "t1"})

	env.worker.Tick(context.Background())

	got, _ := env.jobs.Get(job.Id)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", got.Status)
	}
	if got.ErrorStack == "" {
		t.Fatal("panic stack not captured")
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.jobs.Enqueue("no-such-type", nil, jobqueue.EnqueueOptions{TenantId: "t1"})

	env.worker.Tick(context.Background())

	got, _ := env.jobs.Get(job.Id)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("job with unregistered type: status = %s, want failed", got.Status)
	}
}

func TestMaintainRequeuesTimedOutJob(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.jobs.Now = func() time.Time { return now }

	job, _ := env.jobs.Enqueue(models.JobTypeMessageSend, models.MessageSendPayload{
		Provider: "evolution", ContactKey: "c1", Text: "hi",
	}, jobqueue.EnqueueOptions{TenantId: "t1", TimeoutSeconds: 60})
	if claimed, _ := env.jobs.Dequeue("dead-worker"); claimed == nil {
		t.Fatal("claim failed")
	}

	now = now.Add(2 * time.Minute)
	env.worker.Tick(context.Background())

	// reclaimed by the sweep, then claimed and executed this same tick
	got, _ := env.jobs.Get(job.Id)
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed after recovery", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1 (timeout counts as an attempt)", got.RetryCount)
	}
	if len(env.sender.sent) != 1 {
		t.Fatalf("send not executed after recovery: %v", env.sender.sent)
	}
}

func TestMaintainReEnqueuesErroredEvent(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.events.Now = func() time.Time { return now }

	staged, _ := env.events.Stage(eventstore.StageInput{
		TenantId: "t1", Provider: "evolution", EventType: "messages.upsert",
		Payload: []byte(`{}`),
	})
	_ = env.events.MarkError(staged.Event.Id, errors.New("boom"), "")

	now = now.Add(24 * time.Hour)
	env.responder.response = Response{Skip: true, Reason: "retried fine"}
	env.worker.Tick(context.Background())

	got, _ := env.events.Get(staged.Event.Id)
	if got.Status != models.EventStatusSkipped {
		t.Fatalf("event status = %s, want skipped after retry", got.Status)
	}
	if env.responder.calls != 1 {
		t.Fatalf("responder called %d times, want 1", env.responder.calls)
	}
}

func TestMaintenanceCleanupJob(t *testing.T) {
	env := newTestEnv(t)

	old := time.Now().UTC().AddDate(0, 0, -90)
	staged, _ := env.events.Stage(eventstore.StageInput{
		TenantId: "t1", Provider: "evolution", EventType: "messages.upsert",
		Payload: []byte(`{}`),
	})
	_ = env.events.MarkProcessed(staged.Event.Id)
	// age the processed event past retention
	if err := env.db.Model(&models.InboundEvent{}).Where("id = ?", staged.Event.Id).
		Update("created_at", old).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	job, _ := env.jobs.Enqueue(models.JobTypeMaintenanceCleanup,
		models.MaintenanceCleanupPayload{DaysToKeep: 30},
		jobqueue.EnqueueOptions{TenantId: "t1", Priority: models.PriorityLow})

	env.worker.Tick(context.Background())

	got, _ := env.jobs.Get(job.Id)
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("cleanup job status = %s", got.Status)
	}
	if _, err := env.events.Get(staged.Event.Id); err == nil {
		t.Fatal("aged terminal event survived cleanup")
	}
}

func TestRunReleasesLocksOnShutdown(t *testing.T) {
	env := newTestEnv(t)

	contact := "c1"
	job, _ := env.jobs.Enqueue(models.JobTypeMessageProcess, nil,
		jobqueue.EnqueueOptions{TenantId: "t1", ContactId: &contact})
	if claimed, _ := env.jobs.Dequeue(env.worker.ID); claimed == nil {
		t.Fatal("claim failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.worker.Run(ctx) // returns immediately, releasing locks on the way out

	got, _ := env.jobs.Get(job.Id)
	if got.Status != models.JobStatusPending {
		t.Fatalf("job status after shutdown = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("clean handoff must not count a retry, got %d", got.RetryCount)
	}
}
