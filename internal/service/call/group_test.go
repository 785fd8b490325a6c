package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

func newGroupEnv(t *testing.T) (*testEnv, uuid.UUID, *domain.Call) {
	t.Helper()
	env := newTestEnv()
	third := uuid.New()
	env.contacts.SetMembers(env.chatID, env.caller, env.receiver, third)
	return env, third, env.initiate(t)
}

func participantByUser(t *testing.T, env *testEnv, callID, userID uuid.UUID) *domain.CallParticipant {
	t.Helper()
	participants, err := env.calls.GetParticipants(context.Background(), callID)
	require.NoError(t, err)
	for _, p := range participants {
		if p.UserID == userID {
			return p
		}
	}
	t.Fatalf("no participant row for %s", userID)
	return nil
}

func TestInitiate_GroupCallRingsEveryMember(t *testing.T) {
	env, third, call := newGroupEnv(t)

	participants, err := env.calls.GetParticipants(context.Background(), call.CallID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	for _, p := range participants {
		assert.NotEqual(t, env.caller, p.UserID)
		assert.Equal(t, domain.ParticipantStatusMissed, p.Status)
		assert.Nil(t, p.JoinedAt)
	}

	assert.ElementsMatch(t, []uuid.UUID{env.receiver, third}, env.notifier.Last().Recipients)
}

func TestJoinAndLeaveGroupCall(t *testing.T) {
	env, third, call := newGroupEnv(t)

	env.clock.Advance(3 * time.Second)
	joined, err := env.manager.JoinGroupCall(context.Background(), call.CallID, Actor{ID: third})
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusAnswered, joined.Status)
	require.NotNil(t, joined.JoinedAt)
	assert.Equal(t, env.clock.Now(), *joined.JoinedAt)
	assert.Equal(t, domain.EventCallJoined, env.notifier.Last().Kind)

	// joining affects only that participant
	assert.Equal(t, domain.ParticipantStatusMissed, participantByUser(t, env, call.CallID, env.receiver).Status)
	stored, err := env.calls.GetByID(context.Background(), call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)

	_, err = env.manager.JoinGroupCall(context.Background(), call.CallID, Actor{ID: third})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)

	env.clock.Advance(10 * time.Second)
	left, err := env.manager.LeaveGroupCall(context.Background(), call.CallID, Actor{ID: third})
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusEnded, left.Status)
	require.NotNil(t, left.LeftAt)
	assert.False(t, left.LeftAt.Before(*left.JoinedAt))

	_, err = env.manager.LeaveGroupCall(context.Background(), call.CallID, Actor{ID: third})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestJoinGroupCall_NotAParticipant(t *testing.T) {
	env, _, call := newGroupEnv(t)

	_, err := env.manager.JoinGroupCall(context.Background(), call.CallID, Actor{ID: uuid.New()})
	assertCode(t, err, apperrors.ErrCodeNotAuthorized)
}

func TestJoinGroupCall_AfterEnd(t *testing.T) {
	env, third, call := newGroupEnv(t)

	_, err := env.manager.End(context.Background(), call.CallID, Actor{ID: env.caller})
	require.NoError(t, err)

	_, err = env.manager.JoinGroupCall(context.Background(), call.CallID, Actor{ID: third})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	assert.Equal(t, domain.ParticipantStatusMissed, participantByUser(t, env, call.CallID, third).Status)
}

func TestEnd_ClosesJoinedParticipants(t *testing.T) {
	env, third, call := newGroupEnv(t)

	_, err := env.manager.Answer(context.Background(), call.CallID, Actor{ID: env.receiver})
	require.NoError(t, err)
	receiverRow := participantByUser(t, env, call.CallID, env.receiver)
	assert.Equal(t, domain.ParticipantStatusAnswered, receiverRow.Status)

	env.clock.Advance(40 * time.Second)
	_, err = env.manager.End(context.Background(), call.CallID, Actor{ID: env.caller})
	require.NoError(t, err)

	receiverRow = participantByUser(t, env, call.CallID, env.receiver)
	assert.Equal(t, domain.ParticipantStatusEnded, receiverRow.Status)
	require.NotNil(t, receiverRow.LeftAt)
	assert.Equal(t, env.clock.Now(), *receiverRow.LeftAt)

	// never joined, so the ring stays a miss for that member
	thirdRow := participantByUser(t, env, call.CallID, third)
	assert.Equal(t, domain.ParticipantStatusMissed, thirdRow.Status)
	assert.Nil(t, thirdRow.LeftAt)
}

func TestParticipants_Visibility(t *testing.T) {
	env, third, call := newGroupEnv(t)

	for _, actor := range []Actor{{ID: env.caller}, {ID: third}, {ID: uuid.New(), Admin: true}} {
		participants, err := env.manager.Participants(context.Background(), call.CallID, actor)
		require.NoError(t, err)
		assert.Len(t, participants, 2)
	}

	_, err := env.manager.Participants(context.Background(), call.CallID, Actor{ID: uuid.New()})
	assertCode(t, err, apperrors.ErrCodeNotAuthorized)
}
