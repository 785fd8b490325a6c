package call

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	callService "chatcall-backend/internal/service/call"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/response"
)

// TimelineReader reads the audit trail of one call
type TimelineReader interface {
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error)
}

// Handler handles call HTTP requests
type Handler struct {
	manager        *callService.Manager
	timeline       TimelineReader
	staleThreshold time.Duration
}

// NewHandler creates a new call handler. staleThreshold is used by the
// admin reap endpoint.
func NewHandler(manager *callService.Manager, staleThreshold time.Duration) *Handler {
	return &Handler{
		manager:        manager,
		staleThreshold: staleThreshold,
	}
}

// WithTimeline enables GET /v1/calls/:id/events
func (h *Handler) WithTimeline(reader TimelineReader) *Handler {
	h.timeline = reader
	return h
}

// RegisterRoutes mounts the user routes on calls and the admin routes on admin.
// Both groups must already run AuthMiddleware; admin must also run RequireAdmin.
func (h *Handler) RegisterRoutes(calls, admin *gin.RouterGroup, initiate ...gin.HandlerFunc) {
	calls.POST("", append(initiate, h.Initiate)...)
	calls.GET("/history", h.History)
	calls.GET("/stats", h.Statistics)
	calls.GET("/:id", h.Get)
	calls.GET("/:id/participants", h.Participants)
	calls.POST("/:id/answer", h.Answer)
	calls.POST("/:id/decline", h.Decline)
	calls.POST("/:id/end", h.End)
	calls.POST("/:id/miss", h.Miss)
	calls.POST("/:id/fail", h.Fail)
	calls.POST("/:id/join", h.Join)
	calls.POST("/:id/leave", h.Leave)
	calls.POST("/:id/rating", h.Rate)
	if h.timeline != nil {
		calls.GET("/:id/events", h.Timeline)
	}

	admin.GET("/active", h.Active)
	admin.GET("/stats", h.Statistics)
	admin.POST("/reap", h.Reap)
	admin.POST("/:id/end", h.End)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ReceiverID string `json:"receiver_id"`
	ChatID     string `json:"chat_id"`
	CallType   string `json:"call_type"`
}

// Initiate starts ringing the receiver
// POST /v1/calls
func (h *Handler) Initiate(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body")
		return
	}

	receiverID, ok := optionalUUID(c, req.ReceiverID, "receiver_id")
	if !ok {
		return
	}
	chatID, ok := optionalUUID(c, req.ChatID, "chat_id")
	if !ok {
		return
	}

	call, err := h.manager.Initiate(c.Request.Context(), callService.InitiateInput{
		CallerID:   actor.ID,
		ReceiverID: receiverID,
		ChatID:     chatID,
		CallType:   domain.CallType(req.CallType),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// Get returns one call
// GET /v1/calls/:id
func (h *Handler) Get(c *gin.Context) {
	h.callAction(c, h.manager.Get)
}

// Answer accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) Answer(c *gin.Context) {
	h.callAction(c, h.manager.Answer)
}

// Decline rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	h.callAction(c, h.manager.Decline)
}

// End hangs up a call. On the admin group the actor carries the admin flag.
// POST /v1/calls/:id/end, POST /v1/admin/calls/:id/end
func (h *Handler) End(c *gin.Context) {
	h.callAction(c, h.manager.End)
}

// Miss reports a ring that timed out on the client
// POST /v1/calls/:id/miss
func (h *Handler) Miss(c *gin.Context) {
	h.callAction(c, h.manager.Miss)
}

// FailCallRequest carries the client's failure reason
type FailCallRequest struct {
	Reason string `json:"reason"`
}

// Fail reports a media or signaling failure
// POST /v1/calls/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	var req FailCallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, "Invalid request body")
			return
		}
	}

	h.callAction(c, func(ctx context.Context, callID uuid.UUID, actor callService.Actor) (*domain.Call, error) {
		return h.manager.Fail(ctx, callID, actor, req.Reason)
	})
}

// RateCallRequest carries post-call feedback
type RateCallRequest struct {
	QualityScore *int `json:"quality_score"`
	CallRating   *int `json:"call_rating"`
}

// Rate stores feedback on a finished call
// POST /v1/calls/:id/rating
func (h *Handler) Rate(c *gin.Context) {
	var req RateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body")
		return
	}

	h.callAction(c, func(ctx context.Context, callID uuid.UUID, actor callService.Actor) (*domain.Call, error) {
		return h.manager.Rate(ctx, callID, actor, callService.FeedbackInput{
			QualityScore: req.QualityScore,
			CallRating:   req.CallRating,
		})
	})
}

// Join answers the caller's own ring of a group call
// POST /v1/calls/:id/join
func (h *Handler) Join(c *gin.Context) {
	h.participantAction(c, h.manager.JoinGroupCall)
}

// Leave drops the caller out of a group call
// POST /v1/calls/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	h.participantAction(c, h.manager.LeaveGroupCall)
}

// Participants lists the participant rows of a call
// GET /v1/calls/:id/participants
func (h *Handler) Participants(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	participants, err := h.manager.Participants(c.Request.Context(), callID, actor)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"participants": participants})
}

// Timeline returns the recorded events of a call
// GET /v1/calls/:id/events
func (h *Handler) Timeline(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	// visibility follows Get
	if _, err := h.manager.Get(c.Request.Context(), callID, actor); err != nil {
		response.FromError(c, err)
		return
	}

	events, err := h.timeline.ListByCall(c.Request.Context(), callID, constants.TimelinePageSize)
	if err != nil {
		response.InternalError(c, "Failed to load call events")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"events": events})
}

// History lists the caller's calls, newest first
// GET /v1/calls/history?limit=&offset=
func (h *Handler) History(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		response.ValidationError(c, "limit must be a number")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		response.ValidationError(c, "offset must be a number")
		return
	}

	calls, err := h.manager.History(c.Request.Context(), actor, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// Statistics aggregates calls visible to the actor
// GET /v1/calls/stats?scope=, GET /v1/admin/calls/stats?scope=
func (h *Handler) Statistics(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	stats, err := h.manager.Statistics(c.Request.Context(), actor, domain.StatsScope(c.Query("scope")))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// Active lists every non-terminal call
// GET /v1/admin/calls/active
func (h *Handler) Active(c *gin.Context) {
	calls, err := h.manager.GetActive(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// Reap ends pending calls older than the stale threshold
// POST /v1/admin/calls/reap
func (h *Handler) Reap(c *gin.Context) {
	n, err := h.manager.ReapStale(c.Request.Context(), h.staleThreshold)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"reaped": n})
}

func (h *Handler) callAction(c *gin.Context, op func(context.Context, uuid.UUID, callService.Actor) (*domain.Call, error)) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	call, err := op(c.Request.Context(), callID, actor)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

func (h *Handler) participantAction(c *gin.Context, op func(context.Context, uuid.UUID, callService.Actor) (*domain.CallParticipant, error)) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	participant, err := op(c.Request.Context(), callID, actor)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, participant)
}

// actorFrom builds the actor from the auth middleware's context values.
// The admin flag comes from the role claim and is only honoured on routes
// behind RequireAdmin.
func actorFrom(c *gin.Context) (callService.Actor, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return callService.Actor{}, false
	}
	_, onAdminRoute := c.Get(adminRouteKey)
	return callService.Actor{ID: userID, Admin: onAdminRoute && middleware.IsAdmin(c)}, true
}

const adminRouteKey = "admin_route"

// AdminRoute marks a group as admin scoped so handlers build admin actors
func AdminRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(adminRouteKey, true)
		c.Next()
	}
}

func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

// optionalUUID parses s, leaving an empty value for the manager to report
func optionalUUID(c *gin.Context, s, field string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		response.ValidationError(c, "Invalid "+field)
		return uuid.Nil, false
	}
	return id, true
}
