package worker

import (
	"context"
	"log"

	"chatrelay-backend/models"
)

// NoopResponder stands in until a real business collaborator is wired. It
// skips everything, which exercises the full staging lifecycle without
// producing outbound traffic.
type NoopResponder struct{}

func (NoopResponder) Respond(ctx context.Context, event *models.InboundEvent) (Response, error) {
	return Response{Skip: true, Reason: "no responder configured"}, nil
}

// LogSender logs instead of delivering. Useful in development and tests.
type LogSender struct {
	Logger *log.Logger
}

func (s LogSender) Send(ctx context.Context, provider, contactKey, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("outbound [%s] to %s: %s", provider, contactKey, text)
	return nil
}
