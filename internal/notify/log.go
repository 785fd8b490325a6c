package notify

import (
	"context"

	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
)

// LogSink writes every event to a zap logger. Useful in limited mode when no
// broker is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("call-events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, event domain.CallEvent) error {
	recipients := make([]string, 0, len(event.Recipients))
	for _, r := range event.Recipients {
		recipients = append(recipients, r.String())
	}

	s.log.Info("Call event",
		zap.String("kind", string(event.Kind)),
		zap.String("call_id", event.CallID.String()),
		zap.String("actor_id", event.ActorID.String()),
		zap.String("status", string(event.Status)),
		zap.Int("duration", event.Duration),
		zap.Strings("recipients", recipients),
		zap.Bool("ended_by_admin", event.EndedByAdmin),
	)
	return nil
}
