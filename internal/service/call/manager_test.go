package call

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/repository/memory"
	apperrors "chatcall-backend/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (n *recordingNotifier) Publish(ctx context.Context, event domain.CallEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Kinds() []domain.CallEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]domain.CallEventKind, 0, len(n.events))
	for _, e := range n.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (n *recordingNotifier) Last() domain.CallEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Publish(ctx context.Context, event domain.CallEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type testEnv struct {
	manager  *Manager
	calls    *memory.CallRepository
	contacts *memory.ContactRepository
	clock    *fakeClock
	notifier *recordingNotifier
	caller   uuid.UUID
	receiver uuid.UUID
	chatID   uuid.UUID
}

func newTestEnv(opts ...Option) *testEnv {
	env := &testEnv{
		calls:    memory.NewCallRepository(),
		contacts: memory.NewContactRepository(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		caller:   uuid.New(),
		receiver: uuid.New(),
		chatID:   uuid.New(),
	}
	env.contacts.SetMembers(env.chatID, env.caller, env.receiver)

	base := []Option{WithClock(env.clock.Now), WithNotifier(env.notifier)}
	env.manager = NewManager(env.calls, env.contacts, env.contacts, append(base, opts...)...)
	return env
}

func (e *testEnv) initiate(t *testing.T) *domain.Call {
	t.Helper()
	call, err := e.manager.Initiate(context.Background(), InitiateInput{
		CallerID:   e.caller,
		ReceiverID: e.receiver,
		CallType:   domain.CallTypeAudio,
		ChatID:     e.chatID,
	})
	require.NoError(t, err)
	return call
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func TestInitiate(t *testing.T) {
	env := newTestEnv()

	call := env.initiate(t)

	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, env.clock.Now(), call.StartedAt)
	assert.Equal(t, 0, call.Duration)
	assert.Nil(t, call.AnsweredAt)
	assert.Nil(t, call.EndedAt)

	stored, err := env.calls.GetByID(context.Background(), call.CallID)
	require.NoError(t, err)
	assert.Equal(t, call, stored)

	participants, err := env.calls.GetParticipants(context.Background(), call.CallID)
	require.NoError(t, err)
	assert.Empty(t, participants)

	require.Equal(t, []domain.CallEventKind{domain.EventCallInitiated}, env.notifier.Kinds())
	assert.Equal(t, []uuid.UUID{env.receiver}, env.notifier.Last().Recipients)
}

func TestInitiate_SelfCallNotAllowed(t *testing.T) {
	env := newTestEnv()

	for i := 0; i < 5; i++ {
		x := uuid.New()
		_, err := env.manager.Initiate(context.Background(), InitiateInput{
			CallerID:   x,
			ReceiverID: x,
			CallType:   domain.CallTypeVideo,
			ChatID:     env.chatID,
		})
		assertCode(t, err, apperrors.ErrCodeSelfCall)
	}
	assert.Empty(t, env.notifier.Kinds())
}

func TestInitiate_Validation(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name  string
		input InitiateInput
		field string
	}{
		{
			name:  "unknown call type",
			input: InitiateInput{CallerID: env.caller, ReceiverID: env.receiver, CallType: "fax", ChatID: env.chatID},
		},
		{
			name:  "missing caller",
			input: InitiateInput{ReceiverID: env.receiver, CallType: domain.CallTypeAudio, ChatID: env.chatID},
			field: "caller_id",
		},
		{
			name:  "missing receiver",
			input: InitiateInput{CallerID: env.caller, CallType: domain.CallTypeAudio, ChatID: env.chatID},
			field: "receiver_id",
		},
		{
			name:  "missing chat",
			input: InitiateInput{CallerID: env.caller, ReceiverID: env.receiver, CallType: domain.CallTypeAudio},
			field: "chat_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.Initiate(context.Background(), tt.input)
			assertCode(t, err, apperrors.ErrCodeValidation)

			if tt.field != "" {
				appErr := apperrors.GetAppError(err)
				assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
				assert.Equal(t, map[string]string{"field": tt.field}, appErr.Details)
				assert.Contains(t, appErr.Message, tt.field)
			}
		})
	}
	assert.Empty(t, env.notifier.Kinds())
}

func TestInitiate_Blocked(t *testing.T) {
	tests := []struct {
		name  string
		block func(env *testEnv)
	}{
		{name: "receiver blocked caller", block: func(env *testEnv) { env.contacts.Block(env.receiver, env.caller) }},
		{name: "caller blocked receiver", block: func(env *testEnv) { env.contacts.Block(env.caller, env.receiver) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			tt.block(env)

			_, err := env.manager.Initiate(context.Background(), InitiateInput{
				CallerID:   env.caller,
				ReceiverID: env.receiver,
				CallType:   domain.CallTypeAudio,
				ChatID:     env.chatID,
			})
			assertCode(t, err, apperrors.ErrCodeCallNotPermitted)

			calls, err := env.calls.ListCalls(context.Background(), domain.CallFilter{})
			require.NoError(t, err)
			assert.Empty(t, calls)
		})
	}
}

// Answer at T0, end at T0+30s: duration is 30
func TestAnswerThenEnd_Duration(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)

	env.clock.Advance(5 * time.Second)
	answered, err := env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, answered.Status)
	require.NotNil(t, answered.AnsweredAt)
	assert.Equal(t, env.clock.Now(), *answered.AnsweredAt)
	assert.Equal(t, []uuid.UUID{env.caller}, env.notifier.Last().Recipients)

	env.clock.Advance(30 * time.Second)
	ended, err := env.manager.End(context.Background(), call.CallID, Actor{ID: env.caller})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, 30, ended.Duration)
	assert.False(t, ended.EndedByAdmin)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, env.clock.Now(), *ended.EndedAt)

	last := env.notifier.Last()
	assert.Equal(t, domain.EventCallEnded, last.Kind)
	assert.ElementsMatch(t, []uuid.UUID{env.caller, env.receiver}, last.Recipients)
}

func TestEnd_UnansweredDurationCountsFromStart(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)

	env.clock.Advance(45 * time.Second)
	ended, err := env.manager.End(context.Background(), call.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)
	assert.Equal(t, 45, ended.Duration)
	assert.Nil(t, ended.AnsweredAt)
}

func TestDecline(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)

	env.clock.Advance(10 * time.Second)
	declined, err := env.manager.Decline(context.Background(), call.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, declined.Status)
	assert.Equal(t, 0, declined.Duration)
	require.NotNil(t, declined.EndedAt)
	assert.Nil(t, declined.AnsweredAt)

	last := env.notifier.Last()
	assert.Equal(t, domain.EventCallDeclined, last.Kind)
	assert.Equal(t, []uuid.UUID{env.caller}, last.Recipients)
}

func TestEnd_ByAdmin(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)

	ended, err := env.manager.End(context.Background(), call.CallID, Actor{ID: uuid.New(), Admin: true})
	require.NoError(t, err)
	assert.True(t, ended.EndedByAdmin)
	assert.True(t, env.notifier.Last().EndedByAdmin)
}

func TestAuthorization(t *testing.T) {
	stranger := uuid.New()

	tests := []struct {
		name string
		run  func(env *testEnv, callID uuid.UUID) error
	}{
		{name: "caller cannot answer", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Answer(context.Background(), id, Actor{ID: env.caller})
			return err
		}},
		{name: "stranger cannot answer", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Answer(context.Background(), id, Actor{ID: stranger})
			return err
		}},
		{name: "caller cannot decline", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Decline(context.Background(), id, Actor{ID: env.caller})
			return err
		}},
		{name: "admin cannot decline", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Decline(context.Background(), id, Actor{ID: stranger, Admin: true})
			return err
		}},
		{name: "stranger cannot end", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.End(context.Background(), id, Actor{ID: stranger})
			return err
		}},
		{name: "stranger cannot miss", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Miss(context.Background(), id, Actor{ID: stranger})
			return err
		}},
		{name: "stranger cannot fail", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Fail(context.Background(), id, Actor{ID: stranger}, "network")
			return err
		}},
		{name: "stranger cannot read", run: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Get(context.Background(), id, Actor{ID: stranger})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			call := env.initiate(t)

			assertCode(t, tt.run(env, call.CallID), apperrors.ErrCodeNotAuthorized)

			stored, err := env.calls.GetByID(context.Background(), call.CallID)
			require.NoError(t, err)
			assert.Equal(t, domain.CallStatusRinging, stored.Status)
		})
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	finishers := map[domain.CallStatus]func(env *testEnv, id uuid.UUID) error{
		domain.CallStatusDeclined: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Decline(context.Background(), id, Actor{ID: env.receiver})
			return err
		},
		domain.CallStatusEnded: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.End(context.Background(), id, Actor{ID: env.caller})
			return err
		},
		domain.CallStatusMissed: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Miss(context.Background(), id, Actor{ID: env.caller})
			return err
		},
		domain.CallStatusFailed: func(env *testEnv, id uuid.UUID) error {
			_, err := env.manager.Fail(context.Background(), id, Actor{ID: env.caller}, "media")
			return err
		},
	}

	for status, finish := range finishers {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv()
			call := env.initiate(t)
			require.NoError(t, finish(env, call.CallID))

			before, err := env.calls.GetByID(context.Background(), call.CallID)
			require.NoError(t, err)
			assert.Equal(t, status, before.Status)

			env.clock.Advance(time.Minute)

			_, err = env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
			assertCode(t, err, apperrors.ErrCodeInvalidTransition)
			_, err = env.manager.Decline(context.Background(), call.CallID, Actor{ID: env.receiver})
			assertCode(t, err, apperrors.ErrCodeInvalidTransition)
			_, err = env.manager.End(context.Background(), call.CallID, Actor{ID: env.caller})
			assertCode(t, err, apperrors.ErrCodeInvalidTransition)
			_, err = env.manager.End(context.Background(), call.CallID, Actor{ID: uuid.New(), Admin: true})
			assertCode(t, err, apperrors.ErrCodeInvalidTransition)

			after, err := env.calls.GetByID(context.Background(), call.CallID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestAnswer_AlreadyAnswered(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)

	_, err := env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)

	_, err = env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	_, err = env.manager.Decline(context.Background(), call.CallID, Actor{ID: env.receiver})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	_, err = env.manager.Miss(context.Background(), call.CallID, Actor{ID: env.caller})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestUnknownCall(t *testing.T) {
	env := newTestEnv()

	_, err := env.manager.Answer(context.Background(), uuid.New(), Actor{ID: env.receiver})
	assertCode(t, err, apperrors.ErrCodeCallNotFound)
	_, err = env.manager.End(context.Background(), uuid.New(), Actor{ID: env.caller})
	assertCode(t, err, apperrors.ErrCodeCallNotFound)
}

func TestAnswerDeclineRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv()
		call := env.initiate(t)

		var (
			wg                 sync.WaitGroup
			answerErr, declErr error
			answered, declined *domain.Call
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			answered, answerErr = env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
		}()
		go func() {
			defer wg.Done()
			<-start
			declined, declErr = env.manager.Decline(context.Background(), call.CallID, Actor{ID: env.receiver})
		}()
		close(start)
		wg.Wait()

		stored, err := env.calls.GetByID(context.Background(), call.CallID)
		require.NoError(t, err)

		if answerErr == nil {
			assertCode(t, declErr, apperrors.ErrCodeInvalidTransition)
			assert.Equal(t, domain.CallStatusAnswered, stored.Status)
			assert.Equal(t, answered.Status, stored.Status)
		} else {
			require.NoError(t, declErr)
			assertCode(t, answerErr, apperrors.ErrCodeInvalidTransition)
			assert.Equal(t, domain.CallStatusDeclined, stored.Status)
			assert.Equal(t, declined.Status, stored.Status)
		}
	}
}

func TestNotifierFailureDoesNotAffectTransition(t *testing.T) {
	notifier := new(MockNotifier)
	notifier.On("Publish", mock.Anything, mock.AnythingOfType("domain.CallEvent")).
		Return(errors.New("redis: connection refused"))

	env := newTestEnv()
	env.manager = NewManager(env.calls, env.contacts, env.contacts,
		WithClock(env.clock.Now), WithNotifier(notifier))

	call := env.initiate(t)
	answered, err := env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, answered.Status)

	stored, err := env.calls.GetByID(context.Background(), call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, stored.Status)

	notifier.AssertNumberOfCalls(t, "Publish", 2)
}

func TestMissAndFail(t *testing.T) {
	env := newTestEnv()

	missed := env.initiate(t)
	env.clock.Advance(20 * time.Second)
	got, err := env.manager.Miss(context.Background(), missed.CallID, Actor{ID: env.caller})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, got.Status)
	assert.Equal(t, 0, got.Duration)

	failed := env.initiate(t)
	_, err = env.manager.Answer(context.Background(), failed.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)
	env.clock.Advance(12 * time.Second)
	got, err = env.manager.Fail(context.Background(), failed.CallID, Actor{ID: env.receiver}, " ice timeout ")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, got.Status)
	assert.Equal(t, 12, got.Duration)
	assert.Equal(t, "ice timeout", env.notifier.Last().Reason)
}

func TestRate(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)
	four, six := 4, 6

	_, err := env.manager.Rate(context.Background(), call.CallID, Actor{ID: env.caller}, FeedbackInput{CallRating: &four})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)

	_, err = env.manager.End(context.Background(), call.CallID, Actor{ID: env.caller})
	require.NoError(t, err)

	_, err = env.manager.Rate(context.Background(), call.CallID, Actor{ID: env.caller}, FeedbackInput{CallRating: &six})
	assertCode(t, err, apperrors.ErrCodeValidation)
	_, err = env.manager.Rate(context.Background(), call.CallID, Actor{ID: env.caller}, FeedbackInput{})
	assertCode(t, err, apperrors.ErrCodeValidation)
	_, err = env.manager.Rate(context.Background(), call.CallID, Actor{ID: uuid.New()}, FeedbackInput{CallRating: &four})
	assertCode(t, err, apperrors.ErrCodeNotAuthorized)

	rated, err := env.manager.Rate(context.Background(), call.CallID, Actor{ID: env.receiver}, FeedbackInput{QualityScore: &four, CallRating: &four})
	require.NoError(t, err)
	require.NotNil(t, rated.CallRating)
	assert.Equal(t, 4, *rated.CallRating)
	assert.Equal(t, domain.CallStatusEnded, rated.Status)
}

func TestHistory(t *testing.T) {
	env := newTestEnv()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, env.initiate(t).CallID)
		env.clock.Advance(time.Minute)
	}

	calls, err := env.manager.History(context.Background(), Actor{ID: env.receiver}, 2, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, ids[2], calls[0].CallID)
	assert.Equal(t, ids[1], calls[1].CallID)

	calls, err = env.manager.History(context.Background(), Actor{ID: uuid.New()}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestGet(t *testing.T) {
	env := newTestEnv()
	call := env.initiate(t)

	got, err := env.manager.Get(context.Background(), call.CallID, Actor{ID: env.caller})
	require.NoError(t, err)
	assert.Equal(t, call.CallID, got.CallID)

	_, err = env.manager.Get(context.Background(), call.CallID, Actor{ID: uuid.New(), Admin: true})
	assert.NoError(t, err)
}

func TestStoreTimeoutIsApplied(t *testing.T) {
	env := newTestEnv(WithStoreTimeout(time.Second))
	call := env.initiate(t)

	_, err := env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
	assert.NoError(t, err)
}
