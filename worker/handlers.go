package worker

import (
	"context"
	"fmt"

	"chatrelay-backend/eventstore"
	"chatrelay-backend/jobqueue"
	"chatrelay-backend/models"
)

// Responder is the external business collaborator: it decides what an
// inbound message means and what, if anything, to answer. This subsystem
// only guarantees the event reaches it durably and at most once per
// conversation partner at a time.
type Responder interface {
	Respond(ctx context.Context, event *models.InboundEvent) (Response, error)
}

// Response is the Responder's verdict on one event.
type Response struct {
	Reply  string // outbound text; empty means nothing to send
	Skip   bool   // true: the event needs no action at all
	Reason string // human-readable skip reason
}

// Sender is the external delivery collaborator for outbound replies.
type Sender interface {
	Send(ctx context.Context, provider, contactKey, text string) error
}

// RegisterHandlers wires the built-in job handlers onto a worker.
func RegisterHandlers(w *Worker, events *eventstore.Store, jobs *jobqueue.Queue, responder Responder, sender Sender) {
	w.Register(models.JobTypeMessageProcess, MessageProcessHandler(events, jobs, responder))
	w.Register(models.JobTypeMessageSend, MessageSendHandler(sender))
	w.Register(models.JobTypeMaintenanceCleanup, MaintenanceCleanupHandler(events, jobs, w.cfg.RetentionDays))
}

// MessageProcessHandler walks a staged event through its lifecycle: mark
// processing, consult the responder, record the terminal status, and
// enqueue a send job when there is a reply. Event-side errors are recorded
// with the event's own (linear) backoff; the job error return makes the
// job fail alongside it.
func MessageProcessHandler(events *eventstore.Store, jobs *jobqueue.Queue, responder Responder) Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		decoded, err := models.DecodeJobPayload(job)
		if err != nil {
			return nil, err
		}
		payload := decoded.(*models.MessageProcessPayload)

		event, err := events.Get(payload.EventId)
		if err != nil {
			return nil, fmt.Errorf("load event %s: %w", payload.EventId, err)
		}
		if event.Terminal() {
			// Replayed job for an already-finished event; nothing to redo.
			return map[string]any{"alreadyProcessed": true}, nil
		}

		if err := events.MarkProcessing(event.Id); err != nil {
			return nil, fmt.Errorf("mark processing %s: %w", event.Id, err)
		}

		response, err := responder.Respond(ctx, event)
		if err != nil {
			_ = events.MarkError(event.Id, err, "")
			return nil, fmt.Errorf("responder: %w", err)
		}

		if response.Skip {
			if err := events.MarkSkipped(event.Id, response.Reason); err != nil {
				return nil, err
			}
			return map[string]any{"skipped": true, "reason": response.Reason}, nil
		}

		result := map[string]any{"processed": true}
		if response.Reply != "" && payload.ContactKey != "" {
			sendJob, err := jobs.Enqueue(models.JobTypeMessageSend, models.MessageSendPayload{
				Provider:   payload.Provider,
				ContactKey: payload.ContactKey,
				Text:       response.Reply,
				EventId:    event.Id,
			}, jobqueue.EnqueueOptions{
				TenantId:  job.TenantId,
				ContactId: job.ContactId,
				Priority:  models.PriorityHigh,
			})
			if err != nil {
				_ = events.MarkError(event.Id, err, "")
				return nil, fmt.Errorf("enqueue reply: %w", err)
			}
			result["sendJobId"] = sendJob.Id
		}

		if err := events.MarkProcessed(event.Id); err != nil {
			return nil, err
		}
		return result, nil
	}
}

// MessageSendHandler delivers one outbound reply through the external
// sender.
func MessageSendHandler(sender Sender) Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		decoded, err := models.DecodeJobPayload(job)
		if err != nil {
			return nil, err
		}
		payload := decoded.(*models.MessageSendPayload)

		if err := sender.Send(ctx, payload.Provider, payload.ContactKey, payload.Text); err != nil {
			return nil, fmt.Errorf("send to %s: %w", payload.ContactKey, err)
		}
		return map[string]any{"sent": true}, nil
	}
}

// MaintenanceCleanupHandler runs the retention sweep over both tables.
// Only terminal rows are eligible; anything pending, processing, errored
// or failed is kept regardless of age.
func MaintenanceCleanupHandler(events *eventstore.Store, jobs *jobqueue.Queue, defaultDays int) Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		decoded, err := models.DecodeJobPayload(job)
		if err != nil {
			return nil, err
		}
		payload := decoded.(*models.MaintenanceCleanupPayload)

		days := payload.DaysToKeep
		if days <= 0 {
			days = defaultDays
		}
		if days <= 0 {
			days = 30
		}

		eventsDeleted, err := events.Cleanup(days)
		if err != nil {
			return nil, fmt.Errorf("event cleanup: %w", err)
		}
		jobsDeleted, err := jobs.Cleanup(days)
		if err != nil {
			return nil, fmt.Errorf("job cleanup: %w", err)
		}
		return map[string]any{
			"eventsDeleted": eventsDeleted,
			"jobsDeleted":   jobsDeleted,
			"daysKept":      days,
		}, nil
	}
}
