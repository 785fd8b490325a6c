package cockroach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chatcall-backend/internal/domain"
)

const callColumns = `call_id, chat_id, caller_id, receiver_id, call_type, status,
		started_at, answered_at, ended_at, duration, ended_by_admin,
		quality_score, call_rating, updated_at`

// CallRepository handles call data operations
type CallRepository struct {
	db DBTX
}

// NewCallRepository creates a new call repository
func NewCallRepository(db DBTX) *CallRepository {
	return &CallRepository{db: db}
}

// CreateCall inserts a call and its participant rows in one transaction
func (r *CallRepository) CreateCall(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO calls (
			call_id, chat_id, caller_id, receiver_id, call_type, status,
			started_at, duration, ended_by_admin, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = tx.Exec(ctx, query,
		call.CallID,
		call.ChatID,
		call.CallerID,
		call.ReceiverID,
		string(call.CallType),
		string(call.Status),
		call.StartedAt,
		call.Duration,
		call.EndedByAdmin,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	for _, p := range participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO call_participants (call_id, user_id, joined_at, left_at, status)
			VALUES ($1, $2, $3, $4, $5)
		`, p.CallID, p.UserID, p.JoinedAt, p.LeftAt, string(p.Status))
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.db.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// Transition updates the call only while its status is one of from.
// The status predicate and the write are one statement, so of two racing
// transitions exactly one matches the row.
func (r *CallRepository) Transition(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, t *domain.CallTransition) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = $3,
		    answered_at = COALESCE($4, answered_at),
		    ended_at = COALESCE($5, ended_at),
		    duration = COALESCE($6, duration),
		    ended_by_admin = ended_by_admin OR $7,
		    updated_at = $8
		WHERE call_id = $1 AND status = ANY($2)
		RETURNING ` + callColumns

	call, err := scanCall(r.db.QueryRow(ctx, query,
		callID,
		statusStrings(from),
		string(t.Status),
		t.AnsweredAt,
		t.EndedAt,
		t.Duration,
		t.EndedByAdmin,
		t.At,
	))
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update call status: %w", err)
	}

	return nil, r.missReason(ctx, callID)
}

// ListCalls retrieves calls matching the filter, newest first
func (r *CallRepository) ListCalls(ctx context.Context, filter domain.CallFilter) ([]*domain.Call, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ParticipantID != nil {
		p := arg(*filter.ParticipantID)
		where = append(where, fmt.Sprintf("(caller_id = %s OR receiver_id = %s)", p, p))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(filter.Statuses))+")")
	}
	if filter.StartedBefore != nil {
		where = append(where, "started_at < "+arg(*filter.StartedBefore))
	}
	if filter.StartedAfter != nil {
		where = append(where, "started_at >= "+arg(*filter.StartedAfter))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + callColumns + " FROM calls")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY started_at DESC, call_id")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(filter.Limit))
	}
	if filter.Offset > 0 {
		sb.WriteString(" OFFSET " + arg(filter.Offset))
	}

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.Call, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return calls, nil
}

// SetFeedback stores post-call metadata, only on calls in a terminal state
func (r *CallRepository) SetFeedback(ctx context.Context, callID uuid.UUID, feedback domain.CallFeedback, at time.Time) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET quality_score = COALESCE($3, quality_score),
		    call_rating = COALESCE($4, call_rating),
		    updated_at = $5
		WHERE call_id = $1 AND status = ANY($2)
		RETURNING ` + callColumns

	call, err := scanCall(r.db.QueryRow(ctx, query,
		callID,
		statusStrings(domain.TerminalStatuses),
		feedback.QualityScore,
		feedback.CallRating,
		at,
	))
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update call feedback: %w", err)
	}

	return nil, r.missReason(ctx, callID)
}

// GetParticipants retrieves all participants in a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, joined_at, left_at, status
		FROM call_participants
		WHERE call_id = $1
		ORDER BY user_id
	`

	rows, err := r.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	participants := make([]*domain.CallParticipant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}

	return participants, nil
}

// TransitionParticipant moves one participant row conditioned on its status
func (r *CallRepository) TransitionParticipant(ctx context.Context, callID, userID uuid.UUID, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (*domain.CallParticipant, error) {
	var joinedAt, leftAt *time.Time
	switch to {
	case domain.ParticipantStatusAnswered:
		joinedAt = &at
	case domain.ParticipantStatusEnded:
		leftAt = &at
	}

	// GREATEST keeps left_at from preceding joined_at
	query := `
		UPDATE call_participants
		SET status = $4,
		    joined_at = COALESCE($5, joined_at),
		    left_at = CASE WHEN $6::TIMESTAMPTZ IS NULL THEN left_at
		                   ELSE GREATEST($6::TIMESTAMPTZ, COALESCE(joined_at, $6::TIMESTAMPTZ)) END
		WHERE call_id = $1 AND user_id = $2 AND status = ANY($3)
		RETURNING call_id, user_id, joined_at, left_at, status
	`

	p, err := scanParticipant(r.db.QueryRow(ctx, query,
		callID, userID, participantStatusStrings(from), string(to), joinedAt, leftAt))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update participant: %w", err)
	}

	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM call_participants WHERE call_id = $1 AND user_id = $2)`,
		callID, userID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check participant: %w", err)
	}
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}
	return nil, domain.ErrStatusConflict
}

// EndParticipants closes every answered participant row of a call
func (r *CallRepository) EndParticipants(ctx context.Context, callID uuid.UUID, at time.Time) (int, error) {
	query := `
		UPDATE call_participants
		SET status = $2,
		    left_at = GREATEST($3::TIMESTAMPTZ, COALESCE(joined_at, $3::TIMESTAMPTZ))
		WHERE call_id = $1 AND status = $4
	`

	tag, err := r.db.Exec(ctx, query,
		callID,
		string(domain.ParticipantStatusEnded),
		at,
		string(domain.ParticipantStatusAnswered),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to end participants: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// missReason tells a missing row apart from a failed status predicate
func (r *CallRepository) missReason(ctx context.Context, callID uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)`, callID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check call: %w", err)
	}
	if !exists {
		return domain.ErrCallNotFound
	}
	return domain.ErrStatusConflict
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	var (
		call             domain.Call
		callType, status string
	)
	err := row.Scan(
		&call.CallID,
		&call.ChatID,
		&call.CallerID,
		&call.ReceiverID,
		&callType,
		&status,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.Duration,
		&call.EndedByAdmin,
		&call.QualityScore,
		&call.CallRating,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	call.CallType = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	return &call, nil
}

func scanParticipant(row pgx.Row) (*domain.CallParticipant, error) {
	var (
		p      domain.CallParticipant
		status string
	)
	if err := row.Scan(&p.CallID, &p.UserID, &p.JoinedAt, &p.LeftAt, &status); err != nil {
		return nil, err
	}
	p.Status = domain.ParticipantStatus(status)
	return &p, nil
}

func statusStrings(statuses []domain.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func participantStatusStrings(statuses []domain.ParticipantStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
