package notify

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/backbone/internal/eventbus"
	"github.com/GriffinCanCode/backbone/internal/jobqueue"
	"github.com/GriffinCanCode/backbone/internal/shared/id"
)

// Enqueuer is the part of a job queue the forwarder needs
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, data map[string]any, opts ...jobqueue.EnqueueOption) (string, error)
}

// Forward returns a bus handler that turns events whose "type" is one of
// events into webhook jobs. Other events are ignored. An empty events list
// forwards everything.
func Forward(queue Enqueuer, logger *zap.Logger, events ...string) eventbus.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	wanted := make(map[string]bool, len(events))
	for _, e := range events {
		wanted[e] = true
	}

	return func(ctx context.Context, payload map[string]any) error {
		event, _ := payload["type"].(string)
		if len(wanted) > 0 && !wanted[event] {
			return nil
		}

		eventID := id.NewEventID().String()
		data := map[string]any{
			"event":   event,
			"eventId": eventID,
			"payload": maps.Clone(payload),
		}
		jobID, err := queue.Enqueue(ctx, JobName, data)
		if err != nil {
			return err
		}

		logger.Debug("notification enqueued",
			zap.String("event", event),
			zap.String("event_id", eventID),
			zap.String("job_id", jobID))
		return nil
	}
}
