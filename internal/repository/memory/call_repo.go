package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
)

// CallRepository keeps calls in process memory. It backs the service when
// CockroachDB is unavailable and doubles as the store in tests. Conditional
// updates run under one mutex, which gives the same CAS outcome as the SQL
// predicate.
type CallRepository struct {
	mu           sync.Mutex
	calls        map[uuid.UUID]*domain.Call
	participants map[uuid.UUID][]*domain.CallParticipant
}

// NewCallRepository creates an empty in-memory call repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:        make(map[uuid.UUID]*domain.Call),
		participants: make(map[uuid.UUID][]*domain.CallParticipant),
	}
}

// CreateCall stores a call and its participants
func (r *CallRepository) CreateCall(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return fmt.Errorf("failed to create call: duplicate call_id %s", call.CallID)
	}
	r.calls[call.CallID] = call.Clone()

	rows := make([]*domain.CallParticipant, 0, len(participants))
	for _, p := range participants {
		cp := *p
		rows = append(rows, &cp)
	}
	r.participants[call.CallID] = rows
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return call.Clone(), nil
}

// Transition applies t when the current status is one of from
func (r *CallRepository) Transition(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, t *domain.CallTransition) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if !containsStatus(from, call.Status) {
		return nil, domain.ErrStatusConflict
	}
	t.Apply(call)
	return call.Clone(), nil
}

// ListCalls returns calls matching filter, newest first
func (r *CallRepository) ListCalls(ctx context.Context, filter domain.CallFilter) ([]*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Call, 0)
	for _, call := range r.calls {
		if matches(call, filter) {
			out = append(out, call.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID.String() < out[j].CallID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*domain.Call{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetFeedback stores quality score and rating on a terminal call
func (r *CallRepository) SetFeedback(ctx context.Context, callID uuid.UUID, feedback domain.CallFeedback, at time.Time) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if !call.Status.IsTerminal() {
		return nil, domain.ErrStatusConflict
	}
	if feedback.QualityScore != nil {
		v := *feedback.QualityScore
		call.QualityScore = &v
	}
	if feedback.CallRating != nil {
		v := *feedback.CallRating
		call.CallRating = &v
	}
	call.UpdatedAt = at
	return call.Clone(), nil
}

// GetParticipants retrieves all participants of a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.participants[callID]
	out := make([]*domain.CallParticipant, 0, len(rows))
	for _, p := range rows {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// TransitionParticipant moves one participant when its status is one of from
func (r *CallRepository) TransitionParticipant(ctx context.Context, callID, userID uuid.UUID, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (*domain.CallParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.participants[callID] {
		if p.UserID != userID {
			continue
		}
		if !containsParticipantStatus(from, p.Status) {
			return nil, domain.ErrStatusConflict
		}
		stampParticipant(p, to, at)
		cp := *p
		return &cp, nil
	}
	return nil, domain.ErrParticipantNotFound
}

// EndParticipants closes every answered participant row
func (r *CallRepository) EndParticipants(ctx context.Context, callID uuid.UUID, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, p := range r.participants[callID] {
		if p.Status == domain.ParticipantStatusAnswered {
			stampParticipant(p, domain.ParticipantStatusEnded, at)
			count++
		}
	}
	return count, nil
}

func stampParticipant(p *domain.CallParticipant, to domain.ParticipantStatus, at time.Time) {
	p.Status = to
	switch to {
	case domain.ParticipantStatusAnswered:
		joined := at
		p.JoinedAt = &joined
	case domain.ParticipantStatusEnded:
		left := at
		if p.JoinedAt != nil && left.Before(*p.JoinedAt) {
			left = *p.JoinedAt
		}
		p.LeftAt = &left
	}
}

func matches(call *domain.Call, f domain.CallFilter) bool {
	if f.ParticipantID != nil && !call.IsParty(*f.ParticipantID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, call.Status) {
		return false
	}
	if f.StartedBefore != nil && !call.StartedAt.Before(*f.StartedBefore) {
		return false
	}
	if f.StartedAfter != nil && call.StartedAt.Before(*f.StartedAfter) {
		return false
	}
	return true
}

func containsStatus(set []domain.CallStatus, s domain.CallStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsParticipantStatus(set []domain.ParticipantStatus, s domain.ParticipantStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
