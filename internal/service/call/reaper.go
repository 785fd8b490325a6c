package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// DefaultStaleThreshold is how long a call may ring before the reaper ends it
const DefaultStaleThreshold = 120 * time.Second

// ReapStale ends every pending call that started more than threshold ago.
// Reaped calls become ended with duration 0. Each write is conditioned on the
// call still being pending, so a call answered or declined at the same moment
// is left alone. Running it twice in a row reaps nothing the second time.
func (m *Manager) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, apperrors.ValidationError("threshold must be positive")
	}

	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	cutoff := m.now().Add(-threshold)
	stale, err := m.calls.ListCalls(ctx, domain.CallFilter{
		Statuses:      domain.PendingStatuses,
		StartedBefore: &cutoff,
	})
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}

	reaped := 0
	var errs []error
	for _, candidate := range stale {
		now := m.now()
		zero := 0
		call, err := m.calls.Transition(ctx, candidate.CallID, domain.PendingStatuses, &domain.CallTransition{
			Status:   domain.CallStatusEnded,
			EndedAt:  &now,
			Duration: &zero,
			At:       now,
		})
		if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrCallNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		reaped++
		m.finish(ctx, call, "")
		m.publish(ctx, domain.NewCallEvent(domain.EventCallEnded, call, uuid.Nil, call.CallerID, call.ReceiverID))
	}

	m.metrics.RecordCallsReaped(reaped)
	if reaped > 0 {
		logger.FromContext(ctx).Info("Reaped stale calls",
			zap.Int("count", reaped),
			zap.Duration("threshold", threshold))
	}

	if len(errs) > 0 {
		return reaped, apperrors.DatabaseError(errors.Join(errs...))
	}
	return reaped, nil
}

// GetActive returns every call that has not reached a terminal state, most
// recently started first
func (m *Manager) GetActive(ctx context.Context) ([]*domain.Call, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	calls, err := m.calls.ListCalls(ctx, domain.CallFilter{Statuses: domain.ActiveStatuses})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	m.metrics.SetActiveCalls(len(calls))
	return calls, nil
}

// Reaper runs ReapStale on a fixed interval
type Reaper struct {
	manager   *Manager
	threshold time.Duration
	interval  time.Duration
}

// NewReaper creates a reaper. A non-positive threshold falls back to
// DefaultStaleThreshold.
func NewReaper(manager *Manager, threshold, interval time.Duration) *Reaper {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Reaper{
		manager:   manager,
		threshold: threshold,
		interval:  interval,
	}
}

// Start runs the reaper in a background goroutine until ctx is cancelled
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep and refreshes the active calls gauge
func (r *Reaper) RunOnce(ctx context.Context) int {
	reaped, err := r.manager.ReapStale(ctx, r.threshold)
	if err != nil {
		logger.Error("Stale call sweep failed", zap.Error(err))
	}

	if _, err := r.manager.GetActive(ctx); err != nil {
		logger.Warn("Failed to refresh active calls gauge", zap.Error(err))
	}
	return reaped
}
