package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

const maxFailureReasonLength = 120

// failure reasons kept as metric labels; anything else is counted as "other"
var knownFailureReasons = map[string]bool{
	"network":           true,
	"media":             true,
	"signaling":         true,
	"timeout":           true,
	"permission_denied": true,
	"unknown":           true,
}

// Answer picks up a pending call. Only the receiver may answer.
func (m *Manager) Answer(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.Call, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.apply(ctx, callID, func(call *domain.Call, now time.Time) (*domain.CallTransition, error) {
		if actor.ID != call.ReceiverID {
			return nil, apperrors.NotAuthorizedError("Only the receiver can answer this call")
		}
		if !call.Status.IsPending() {
			return nil, invalidTransition("answer", call.Status)
		}
		return &domain.CallTransition{
			Status:     domain.CallStatusAnswered,
			AnsweredAt: &now,
			At:         now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordCall(string(call.CallType), string(call.Status))

	// In a group call the receiver also holds a participant row
	if _, err := m.calls.TransitionParticipant(ctx, call.CallID, actor.ID,
		[]domain.ParticipantStatus{domain.ParticipantStatusMissed},
		domain.ParticipantStatusAnswered, *call.AnsweredAt); err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
		logger.FromContext(ctx).Warn("Failed to mark receiver as joined",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}

	m.publish(ctx, domain.NewCallEvent(domain.EventCallAnswered, call, actor.ID, call.CallerID))
	return call, nil
}

// Decline rejects a pending call. Only the receiver may decline.
func (m *Manager) Decline(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.Call, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.apply(ctx, callID, func(call *domain.Call, now time.Time) (*domain.CallTransition, error) {
		if actor.ID != call.ReceiverID {
			return nil, apperrors.NotAuthorizedError("Only the receiver can decline this call")
		}
		if !call.Status.IsPending() {
			return nil, invalidTransition("decline", call.Status)
		}
		zero := 0
		return &domain.CallTransition{
			Status:   domain.CallStatusDeclined,
			EndedAt:  &now,
			Duration: &zero,
			At:       now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.finish(ctx, call, "")
	m.publish(ctx, domain.NewCallEvent(domain.EventCallDeclined, call, actor.ID, call.CallerID))
	return call, nil
}

// End hangs up a call that has not reached a terminal state. Either party may
// end it; an admin may end any call, which marks it ended_by_admin.
func (m *Manager) End(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.Call, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.apply(ctx, callID, func(call *domain.Call, now time.Time) (*domain.CallTransition, error) {
		if !actor.Admin && !call.IsParty(actor.ID) {
			return nil, apperrors.NotAuthorizedError("Only call participants can end this call")
		}
		if call.Status.IsTerminal() {
			return nil, invalidTransition("end", call.Status)
		}
		duration := talkTime(call, now)
		return &domain.CallTransition{
			Status:       domain.CallStatusEnded,
			EndedAt:      &now,
			Duration:     &duration,
			EndedByAdmin: actor.Admin,
			At:           now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if call.EndedByAdmin {
		logger.FromContext(ctx).Info("Call ended by admin",
			zap.String("call_id", call.CallID.String()),
			zap.String("admin_id", actor.ID.String()))
	}

	m.finish(ctx, call, "")
	m.publish(ctx, domain.NewCallEvent(domain.EventCallEnded, call, actor.ID, call.CallerID, call.ReceiverID))
	return call, nil
}

// Miss records that a pending call rang out without an answer. Either party
// may report it.
func (m *Manager) Miss(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.Call, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.apply(ctx, callID, func(call *domain.Call, now time.Time) (*domain.CallTransition, error) {
		if !call.IsParty(actor.ID) {
			return nil, apperrors.NotAuthorizedError("Only call participants can report a missed call")
		}
		if !call.Status.IsPending() {
			return nil, invalidTransition("miss", call.Status)
		}
		zero := 0
		return &domain.CallTransition{
			Status:   domain.CallStatusMissed,
			EndedAt:  &now,
			Duration: &zero,
			At:       now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.finish(ctx, call, "")
	m.publish(ctx, domain.NewCallEvent(domain.EventCallMissed, call, actor.ID, call.CallerID, call.ReceiverID))
	return call, nil
}

// Fail terminates a call that broke down at the media or signaling layer
func (m *Manager) Fail(ctx context.Context, callID uuid.UUID, actor Actor, reason string) (*domain.Call, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	if len(reason) > maxFailureReasonLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("reason must be at most %d characters", maxFailureReasonLength))
	}

	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.apply(ctx, callID, func(call *domain.Call, now time.Time) (*domain.CallTransition, error) {
		if !call.IsParty(actor.ID) {
			return nil, apperrors.NotAuthorizedError("Only call participants can report a failed call")
		}
		if call.Status.IsTerminal() {
			return nil, invalidTransition("fail", call.Status)
		}
		duration := talkTime(call, now)
		return &domain.CallTransition{
			Status:   domain.CallStatusFailed,
			EndedAt:  &now,
			Duration: &duration,
			At:       now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.finish(ctx, call, reason)

	event := domain.NewCallEvent(domain.EventCallFailed, call, actor.ID, call.CallerID, call.ReceiverID)
	event.Reason = reason
	m.publish(ctx, event)
	return call, nil
}

// FeedbackInput is the post-call metadata a party can attach
type FeedbackInput struct {
	QualityScore *int
	CallRating   *int
}

// Rate stores quality score and rating on a finished call
func (m *Manager) Rate(ctx context.Context, callID uuid.UUID, actor Actor, input FeedbackInput) (*domain.Call, error) {
	if input.QualityScore == nil && input.CallRating == nil {
		return nil, apperrors.ValidationError("quality_score or call_rating is required")
	}
	if input.QualityScore != nil && (*input.QualityScore < 1 || *input.QualityScore > 5) {
		return nil, apperrors.ValidationError("quality_score must be between 1 and 5")
	}
	if input.CallRating != nil && (*input.CallRating < 1 || *input.CallRating > 5) {
		return nil, apperrors.ValidationError("call_rating must be between 1 and 5")
	}

	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, storeError(err)
	}
	if !call.IsParty(actor.ID) {
		return nil, apperrors.NotAuthorizedError("Only call participants can rate this call")
	}
	if !call.Status.IsTerminal() {
		return nil, apperrors.InvalidTransitionError("Call must be finished before it can be rated")
	}

	updated, err := m.calls.SetFeedback(ctx, callID, domain.CallFeedback{
		QualityScore: input.QualityScore,
		CallRating:   input.CallRating,
	}, m.now())
	if err != nil {
		return nil, storeError(err)
	}
	return updated, nil
}

// finish runs the bookkeeping shared by every terminal transition
func (m *Manager) finish(ctx context.Context, call *domain.Call, failureReason string) {
	callType := string(call.CallType)
	m.metrics.RecordCall(callType, string(call.Status))
	if call.AnsweredAt != nil {
		m.metrics.RecordCallDuration(callType, time.Duration(call.Duration)*time.Second)
	}
	if call.Status == domain.CallStatusFailed {
		label := failureReason
		if !knownFailureReasons[label] {
			label = "other"
		}
		m.metrics.RecordCallFailure(callType, label)
	}

	at := call.UpdatedAt
	if call.EndedAt != nil {
		at = *call.EndedAt
	}
	if _, err := m.calls.EndParticipants(ctx, call.CallID, at); err != nil {
		logger.FromContext(ctx).Warn("Failed to close call participants",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}
}

func invalidTransition(op string, status domain.CallStatus) error {
	return apperrors.InvalidTransitionError(fmt.Sprintf("Cannot %s a call that is %s", op, status))
}
