package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

const (
	// a transition re-reads the call this many times when it loses a race
	// before giving up with InvalidTransition
	maxTransitionAttempts = 3
)

// Actor is the already-authenticated principal performing an operation.
// Admin is set only on administrative entry points.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// Manager owns the call session state machine
type Manager struct {
	calls        CallStore
	blocks       BlockChecker
	chats        ChatDirectory
	notifier     Notifier
	metrics      Recorder
	now          func() time.Time
	storeTimeout time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier sets the sink for call events
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithStoreTimeout bounds every store round trip. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) { m.storeTimeout = d }
}

// NewManager creates a call session manager
func NewManager(calls CallStore, blocks BlockChecker, chats ChatDirectory, opts ...Option) *Manager {
	m := &Manager{
		calls:    calls,
		blocks:   blocks,
		chats:    chats,
		notifier: nopNotifier{},
		metrics:  nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	CallerID   uuid.UUID
	ReceiverID uuid.UUID
	CallType   domain.CallType
	ChatID     uuid.UUID
}

// missingID names the first id of input left unset
func missingID(input InitiateInput) string {
	if input.CallerID == uuid.Nil {
		return "caller_id"
	}
	if input.ReceiverID == uuid.Nil {
		return "receiver_id"
	}
	if input.ChatID == uuid.Nil {
		return "chat_id"
	}
	return ""
}

// Initiate starts ringing the receiver
func (m *Manager) Initiate(ctx context.Context, input InitiateInput) (*domain.Call, error) {
	if field := missingID(input); field != "" {
		return nil, apperrors.ValidationError("Missing required field: " + field).
			WithDetails(map[string]string{"field": field})
	}
	if !input.CallType.Valid() {
		return nil, apperrors.ValidationError("call_type must be audio or video")
	}
	if input.CallerID == input.ReceiverID {
		return nil, apperrors.SelfCallError()
	}

	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	if err := m.checkBlocked(ctx, input.CallerID, input.ReceiverID); err != nil {
		return nil, err
	}

	members, err := m.chats.MemberIDs(ctx, input.ChatID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	now := m.now()
	call := &domain.Call{
		CallID:     uuid.New(),
		ChatID:     input.ChatID,
		CallerID:   input.CallerID,
		ReceiverID: input.ReceiverID,
		CallType:   input.CallType,
		Status:     domain.CallStatusRinging,
		StartedAt:  now,
		UpdatedAt:  now,
	}

	// Group chats ring every member; each row stays missed until that member joins.
	var participants []*domain.CallParticipant
	recipients := []uuid.UUID{input.ReceiverID}
	if len(members) > 2 {
		for _, memberID := range members {
			if memberID == input.CallerID {
				continue
			}
			participants = append(participants, &domain.CallParticipant{
				CallID: call.CallID,
				UserID: memberID,
				Status: domain.ParticipantStatusMissed,
			})
			if memberID != input.ReceiverID {
				recipients = append(recipients, memberID)
			}
		}
	}

	if err := m.calls.CreateCall(ctx, call, participants); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	m.metrics.RecordCall(string(call.CallType), string(call.Status))
	logger.FromContext(ctx).Info("Call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("caller_id", call.CallerID.String()),
		zap.String("receiver_id", call.ReceiverID.String()),
		zap.String("call_type", string(call.CallType)),
		zap.Int("participants", len(participants)))

	m.publish(ctx, domain.NewCallEvent(domain.EventCallInitiated, call, input.CallerID, recipients...))

	return call, nil
}

// Get returns a call visible to the actor
func (m *Manager) Get(ctx context.Context, callID uuid.UUID, actor Actor) (*domain.Call, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	call, err := m.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, storeError(err)
	}
	if !actor.Admin && !call.IsParty(actor.ID) {
		return nil, apperrors.NotAuthorizedError("You are not a party to this call")
	}
	return call, nil
}

// History lists calls the actor placed or received, newest first
func (m *Manager) History(ctx context.Context, actor Actor, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	calls, err := m.calls.ListCalls(ctx, domain.CallFilter{
		ParticipantID: &actor.ID,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

// checkBlocked enforces the contact policy in both directions
func (m *Manager) checkBlocked(ctx context.Context, callerID, receiverID uuid.UUID) error {
	blocked, err := m.blocks.IsBlocked(ctx, receiverID, callerID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if blocked {
		return apperrors.CallNotPermittedError("You cannot call this user")
	}

	blocked, err = m.blocks.IsBlocked(ctx, callerID, receiverID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if blocked {
		return apperrors.CallNotPermittedError("You have blocked this user")
	}
	return nil
}

// transitionPlan validates call against the requested change and returns
// the fields to write
type transitionPlan func(call *domain.Call, now time.Time) (*domain.CallTransition, error)

// apply loads the call, runs plan and writes the result conditioned on the
// status plan saw. When another writer got there first the call is re-read
// and plan runs again, so a change that became illegal fails with
// InvalidTransition instead of overwriting the winner.
func (m *Manager) apply(ctx context.Context, callID uuid.UUID, plan transitionPlan) (*domain.Call, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		call, err := m.calls.GetByID(ctx, callID)
		if err != nil {
			return nil, storeError(err)
		}

		t, err := plan(call, m.now())
		if err != nil {
			return nil, err
		}

		updated, err := m.calls.Transition(ctx, callID, []domain.CallStatus{call.Status}, t)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrStatusConflict) {
			return nil, storeError(err)
		}

		logger.FromContext(ctx).Debug("Call transition lost a race, retrying",
			zap.String("call_id", callID.String()),
			zap.String("seen_status", string(call.Status)),
			zap.String("target_status", string(t.Status)))
	}
	return nil, apperrors.InvalidTransitionError("Call status changed concurrently")
}

// publish hands an event to the notifier. Delivery is best effort.
func (m *Manager) publish(ctx context.Context, event domain.CallEvent) {
	if err := m.notifier.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish call event",
			zap.String("call_id", event.CallID.String()),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.storeTimeout)
}

// elapsedSeconds returns whole seconds from since to now, never negative
func elapsedSeconds(since, now time.Time) int {
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// talkTime is the duration a call has accumulated at now
func talkTime(call *domain.Call, now time.Time) int {
	if call.AnsweredAt != nil {
		return elapsedSeconds(*call.AnsweredAt, now)
	}
	return elapsedSeconds(call.StartedAt, now)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, domain.ErrCallNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, domain.ErrStatusConflict):
		return apperrors.InvalidTransitionError("Call status changed concurrently")
	case errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.NotFoundError("Call participant")
	default:
		return apperrors.DatabaseError(err)
	}
}
