package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
)

// CallStore persists calls and participants. Every status change goes through
// a conditional update so concurrent transitions on one call serialize.
type CallStore interface {
	// CreateCall inserts the call and its participant rows atomically
	CreateCall(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error
	// GetByID returns domain.ErrCallNotFound when the call does not exist
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	// Transition applies t only if the stored status is one of from.
	// It returns domain.ErrStatusConflict when the predicate did not match.
	Transition(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, t *domain.CallTransition) (*domain.Call, error)
	// ListCalls returns matching calls, most recently started first
	ListCalls(ctx context.Context, filter domain.CallFilter) ([]*domain.Call, error)
	// SetFeedback stores post-call metadata on a terminal call, else domain.ErrStatusConflict
	SetFeedback(ctx context.Context, callID uuid.UUID, feedback domain.CallFeedback, at time.Time) (*domain.Call, error)

	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	// TransitionParticipant moves one participant row if its status is in from.
	// Moving to answered stamps joined_at, moving to ended stamps left_at.
	TransitionParticipant(ctx context.Context, callID, userID uuid.UUID, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (*domain.CallParticipant, error)
	// EndParticipants closes every answered participant row of the call
	EndParticipants(ctx context.Context, callID uuid.UUID, at time.Time) (int, error)
}

// BlockChecker answers the contact blocking policy
type BlockChecker interface {
	IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)
}

// ChatDirectory resolves the members of a conversation
type ChatDirectory interface {
	MemberIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
}

// Notifier delivers call events. Implementations must not block for long;
// errors are logged by the caller and never affect a transition.
type Notifier interface {
	Publish(ctx context.Context, event domain.CallEvent) error
}

// Recorder receives call metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCall(callType, status string)
	RecordCallDuration(callType string, duration time.Duration)
	RecordCallFailure(callType, reason string)
	RecordCallsReaped(count int)
	SetActiveCalls(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCall(string, string)                {}
func (nopRecorder) RecordCallDuration(string, time.Duration) {}
func (nopRecorder) RecordCallFailure(string, string)         {}
func (nopRecorder) RecordCallsReaped(int)                    {}
func (nopRecorder) SetActiveCalls(int)                       {}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, domain.CallEvent) error { return nil }
