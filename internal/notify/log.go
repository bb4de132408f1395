package notify

import (
	"context"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/store"
)

// logSender writes the event as a structured log line. It always succeeds
// and serves as a guaranteed notification record.
type logSender struct {
	log *logging.Logger
}

func (l *logSender) Send(_ context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error) {
	l.log.Info("notification event",
		"webhook", cfg.Name,
		"event", string(evt.Type),
		"container", eventContainer(evt),
		"data", evt.Data,
	)
	return 0, nil
}
