package call

import (
	"context"
	"math"
	"time"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

// Statistics aggregates calls started within scope. Admins see every call,
// anyone else only the calls they placed or received.
func (m *Manager) Statistics(ctx context.Context, actor Actor, scope domain.StatsScope) (*domain.StatsSnapshot, error) {
	if scope == "" {
		scope = domain.StatsScopeAll
	}
	if !scope.Valid() {
		return nil, apperrors.ValidationError("scope must be one of today, week, month, all")
	}

	now := m.now()
	filter := domain.CallFilter{StartedAfter: scopeStart(scope, now)}
	if !actor.Admin {
		filter.ParticipantID = &actor.ID
	}

	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	calls, err := m.calls.ListCalls(ctx, filter)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	snapshot := Aggregate(calls, now.Location())
	snapshot.Scope = scope
	return snapshot, nil
}

// scopeStart returns the earliest started_at a scope covers, nil for all time.
// today starts at local midnight, week and month are rolling windows.
func scopeStart(scope domain.StatsScope, now time.Time) *time.Time {
	var start time.Time
	switch scope {
	case domain.StatsScopeToday:
		y, mo, d := now.Date()
		start = time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
	case domain.StatsScopeWeek:
		start = now.AddDate(0, 0, -7)
	case domain.StatsScopeMonth:
		start = now.AddDate(0, 0, -30)
	default:
		return nil
	}
	return &start
}

// Aggregate computes a snapshot over calls. Hours are bucketed in loc.
//
// A call counts as answered when it was ever picked up, and as missed when
// it finished without being picked up for any reason other than failure.
// Average duration is taken over finished calls that were answered. Success
// rate is the share of calls whose status is answered or ended.
func Aggregate(calls []*domain.Call, loc *time.Location) *domain.StatsSnapshot {
	if loc == nil {
		loc = time.UTC
	}

	s := &domain.StatsSnapshot{
		Scope:    domain.StatsScopeAll,
		ByType:   make(map[domain.CallType]int),
		ByStatus: make(map[domain.CallStatus]int),
		PeakHour: -1,
	}

	var (
		hours      [24]int
		talked     int
		successful int
	)
	for _, c := range calls {
		s.TotalCalls++
		s.ByType[c.CallType]++
		s.ByStatus[c.Status]++
		hours[c.StartedAt.In(loc).Hour()]++

		if c.AnsweredAt != nil {
			s.AnsweredCalls++
		}

		switch c.Status {
		case domain.CallStatusDeclined:
			s.DeclinedCalls++
		case domain.CallStatusFailed:
			s.FailedCalls++
		case domain.CallStatusAnswered, domain.CallStatusEnded:
			successful++
		}

		if c.Status.IsActive() {
			s.ActiveCalls++
			continue
		}

		if c.AnsweredAt == nil {
			if c.Status != domain.CallStatusFailed {
				s.MissedCalls++
			}
			continue
		}

		s.TotalDuration += c.Duration
		talked++
	}

	if talked > 0 {
		s.AverageDuration = round1(float64(s.TotalDuration) / float64(talked))
	}
	if s.TotalCalls > 0 {
		s.SuccessRate = round1(float64(successful) / float64(s.TotalCalls) * 100)

		for h, n := range hours {
			if s.PeakHour < 0 || n > hours[s.PeakHour] {
				s.PeakHour = h
			}
		}
	}

	return s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
