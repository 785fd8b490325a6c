package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
)

// CallEventRepository keeps the append-only timeline of call transitions.
//
//	CREATE TABLE call_events (
//	    call_id uuid, occurred_at timestamp, event_id uuid,
//	    kind text, actor_id uuid, status text, duration int,
//	    ended_by_admin boolean, reason text,
//	    PRIMARY KEY ((call_id), occurred_at, event_id)
//	) WITH CLUSTERING ORDER BY (occurred_at ASC, event_id ASC);
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// Name identifies the repository as a notification sink
func (r *CallEventRepository) Name() string { return "cassandra" }

// Publish appends event to the call's timeline
func (r *CallEventRepository) Publish(ctx context.Context, event domain.CallEvent) error {
	query := `
		INSERT INTO call_events (
			call_id, occurred_at, event_id, kind, actor_id,
			status, duration, ended_by_admin, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		gocql.UUID(event.CallID),
		event.OccurredAt,
		gocql.UUID(event.EventID),
		string(event.Kind),
		gocql.UUID(event.ActorID),
		string(event.Status),
		event.Duration,
		event.EndedByAdmin,
		event.Reason,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save call event: %w", err)
	}

	return nil
}

// ListByCall returns the timeline of one call in the order it happened
func (r *CallEventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	query := `
		SELECT event_id, occurred_at, kind, actor_id, status,
		       duration, ended_by_admin, reason
		FROM call_events
		WHERE call_id = ?
		LIMIT ?
	`

	iter := r.session.Query(query, gocql.UUID(callID), limit).WithContext(ctx).Iter()

	var events []*domain.CallEvent
	for {
		var (
			eventID, actorID gocql.UUID
			occurredAt       time.Time
			kind, status     string
			duration         int
			endedByAdmin     bool
			reason           string
		)
		if !iter.Scan(&eventID, &occurredAt, &kind, &actorID, &status, &duration, &endedByAdmin, &reason) {
			break
		}
		events = append(events, &domain.CallEvent{
			EventID:      uuid.UUID(eventID),
			Kind:         domain.CallEventKind(kind),
			CallID:       callID,
			ActorID:      uuid.UUID(actorID),
			Status:       domain.CallStatus(status),
			Duration:     duration,
			EndedByAdmin: endedByAdmin,
			Reason:       reason,
			OccurredAt:   occurredAt,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch call events: %w", err)
	}

	return events, nil
}
