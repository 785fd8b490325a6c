package call

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// JoinGroupCall flips the actor's participant row from missed to answered.
// Only that participant changes; other members keep ringing.
func (m *Manager) JoinGroupCall(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.CallParticipant, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, storeError(err)
	}
	if call.Status.IsTerminal() {
		return nil, invalidTransition("join", call.Status)
	}

	now := m.now()
	participant, err := m.calls.TransitionParticipant(ctx, callID, actor.ID,
		[]domain.ParticipantStatus{domain.ParticipantStatusMissed},
		domain.ParticipantStatusAnswered, now)
	if err != nil {
		return nil, participantError(err, "join")
	}

	// The call may have ended between the read above and the join
	current, err := m.calls.GetByID(ctx, callID)
	if err == nil && current.Status.IsTerminal() {
		if _, err := m.calls.EndParticipants(ctx, callID, now); err != nil {
			logger.FromContext(ctx).Warn("Failed to close late participant",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
		return nil, invalidTransition("join", current.Status)
	}

	event := domain.NewCallEvent(domain.EventCallJoined, call, actor.ID, others(call, actor.ID)...)
	event.OccurredAt = now
	m.publish(ctx, event)
	return participant, nil
}

// LeaveGroupCall closes the actor's answered participant row
func (m *Manager) LeaveGroupCall(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.CallParticipant, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, storeError(err)
	}

	now := m.now()
	participant, err := m.calls.TransitionParticipant(ctx, callID, actor.ID,
		[]domain.ParticipantStatus{domain.ParticipantStatusAnswered},
		domain.ParticipantStatusEnded, now)
	if err != nil {
		return nil, participantError(err, "leave")
	}

	event := domain.NewCallEvent(domain.EventCallLeft, call, actor.ID, others(call, actor.ID)...)
	event.OccurredAt = now
	m.publish(ctx, event)
	return participant, nil
}

// Participants lists the participant rows of a call. Parties, admins and
// rung members may read them.
func (m *Manager) Participants(ctx context.Context, callID uuid.UUID, actor Actor) ([]*domain.CallParticipant, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, storeError(err)
	}

	participants, err := m.calls.GetParticipants(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	if actor.Admin || call.IsParty(actor.ID) {
		return participants, nil
	}
	for _, p := range participants {
		if p.UserID == actor.ID {
			return participants, nil
		}
	}
	return nil, apperrors.NotAuthorizedError("You are not a participant of this call")
}

// others returns caller and receiver minus userID
func others(call *domain.Call, userID uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, 2)
	for _, id := range []uuid.UUID{call.CallerID, call.ReceiverID} {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

func participantError(err error, op string) error {
	switch {
	case errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.NotAuthorizedError("You are not a participant of this call")
	case errors.Is(err, domain.ErrStatusConflict):
		if op == "join" {
			return apperrors.InvalidTransitionError("You have already joined this call")
		}
		return apperrors.InvalidTransitionError("You are not in this call")
	default:
		return apperrors.DatabaseError(err)
	}
}
