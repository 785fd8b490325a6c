package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallEventKind names a state change fanned out to clients
type CallEventKind string

const (
	EventCallInitiated CallEventKind = "call.initiated"
	EventCallAnswered  CallEventKind = "call.answered"
	EventCallDeclined  CallEventKind = "call.declined"
	EventCallMissed    CallEventKind = "call.missed"
	EventCallEnded     CallEventKind = "call.ended"
	EventCallFailed    CallEventKind = "call.failed"
	EventCallJoined    CallEventKind = "call.participant_joined"
	EventCallLeft      CallEventKind = "call.participant_left"
)

// CallEvent is the (call, actor-pair, event-kind) tuple handed to notification sinks
type CallEvent struct {
	EventID      uuid.UUID     `json:"event_id"`
	Kind         CallEventKind `json:"kind"`
	CallID       uuid.UUID     `json:"call_id"`
	ChatID       uuid.UUID     `json:"chat_id"`
	CallerID     uuid.UUID     `json:"caller_id"`
	ReceiverID   uuid.UUID     `json:"receiver_id"`
	ActorID      uuid.UUID     `json:"actor_id"`
	Recipients   []uuid.UUID   `json:"recipients"`
	CallType     CallType      `json:"call_type"`
	Status       CallStatus    `json:"status"`
	Duration     int           `json:"duration"`
	EndedByAdmin bool          `json:"ended_by_admin,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

// NewCallEvent builds an event snapshot of call addressed to recipients
func NewCallEvent(kind CallEventKind, call *Call, actorID uuid.UUID, recipients ...uuid.UUID) CallEvent {
	return CallEvent{
		EventID:      uuid.New(),
		Kind:         kind,
		CallID:       call.CallID,
		ChatID:       call.ChatID,
		CallerID:     call.CallerID,
		ReceiverID:   call.ReceiverID,
		ActorID:      actorID,
		Recipients:   recipients,
		CallType:     call.CallType,
		Status:       call.Status,
		Duration:     call.Duration,
		EndedByAdmin: call.EndedByAdmin,
		OccurredAt:   call.UpdatedAt,
	}
}
