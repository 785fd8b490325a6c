package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository-level sentinels. Services translate these into AppErrors.
var (
	// ErrCallNotFound is returned when no call row matches the id
	ErrCallNotFound = errors.New("call not found")
	// ErrStatusConflict is returned when a conditional update matched no row
	// because the current status was not one of the expected pre-states
	ErrStatusConflict = errors.New("call status changed concurrently")
	// ErrParticipantNotFound is returned when the user has no participant row
	ErrParticipantNotFound = errors.New("call participant not found")
)

// CallType is the media kind of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the live state of a call session
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
	CallStatusEnded     CallStatus = "ended"
	CallStatusFailed    CallStatus = "failed"
)

var (
	// PendingStatuses are equivalent for authorization purposes
	PendingStatuses = []CallStatus{CallStatusInitiated, CallStatusRinging}
	// ActiveStatuses are every non-terminal status
	ActiveStatuses = []CallStatus{CallStatusInitiated, CallStatusRinging, CallStatusAnswered}
	// TerminalStatuses admit no outgoing transition
	TerminalStatuses = []CallStatus{CallStatusDeclined, CallStatusMissed, CallStatusEnded, CallStatusFailed}
)

// IsPending reports whether the call has not been picked up yet
func (s CallStatus) IsPending() bool {
	return s == CallStatusInitiated || s == CallStatusRinging
}

// IsTerminal reports whether s is a resting state
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusDeclined, CallStatusMissed, CallStatusEnded, CallStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the call can still change state
func (s CallStatus) IsActive() bool {
	return s.IsPending() || s == CallStatusAnswered
}

// Call represents an audio/video call session between a caller and a receiver
type Call struct {
	CallID       uuid.UUID  `json:"call_id"`
	ChatID       uuid.UUID  `json:"chat_id"`
	CallerID     uuid.UUID  `json:"caller_id"`
	ReceiverID   uuid.UUID  `json:"receiver_id"`
	CallType     CallType   `json:"call_type"`
	Status       CallStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Duration     int        `json:"duration"` // in seconds
	EndedByAdmin bool       `json:"ended_by_admin"`
	QualityScore *int       `json:"quality_score,omitempty"`
	CallRating   *int       `json:"call_rating,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsParty reports whether userID is the caller or the receiver
func (c *Call) IsParty(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.ReceiverID
}

// Clone returns a deep copy of the call
func (c *Call) Clone() *Call {
	out := *c
	out.AnsweredAt = cloneTime(c.AnsweredAt)
	out.EndedAt = cloneTime(c.EndedAt)
	out.QualityScore = cloneInt(c.QualityScore)
	out.CallRating = cloneInt(c.CallRating)
	return &out
}

// CallTransition carries the fields a status change writes.
// Nil pointers leave the stored value untouched.
type CallTransition struct {
	Status       CallStatus
	AnsweredAt   *time.Time
	EndedAt      *time.Time
	Duration     *int
	EndedByAdmin bool
	At           time.Time
}

// Apply writes the transition onto c
func (t *CallTransition) Apply(c *Call) {
	c.Status = t.Status
	if t.AnsweredAt != nil {
		c.AnsweredAt = cloneTime(t.AnsweredAt)
	}
	if t.EndedAt != nil {
		c.EndedAt = cloneTime(t.EndedAt)
	}
	if t.Duration != nil {
		c.Duration = *t.Duration
	}
	if t.EndedByAdmin {
		c.EndedByAdmin = true
	}
	c.UpdatedAt = t.At
}

// CallFeedback is post-call metadata
type CallFeedback struct {
	QualityScore *int `json:"quality_score,omitempty"`
	CallRating   *int `json:"call_rating,omitempty"`
}

// ParticipantStatus mirrors the per-participant subset of call statuses
type ParticipantStatus string

const (
	ParticipantStatusMissed   ParticipantStatus = "missed"
	ParticipantStatusAnswered ParticipantStatus = "answered"
	ParticipantStatusEnded    ParticipantStatus = "ended"
)

// CallParticipant represents a chat member rung by a group call
type CallParticipant struct {
	CallID   uuid.UUID         `json:"call_id"`
	UserID   uuid.UUID         `json:"user_id"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
	Status   ParticipantStatus `json:"status"`
}

// CallFilter selects calls for listing and statistics
type CallFilter struct {
	ParticipantID *uuid.UUID // caller or receiver
	Statuses      []CallStatus
	StartedBefore *time.Time
	StartedAfter  *time.Time
	Limit         int
	Offset        int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
