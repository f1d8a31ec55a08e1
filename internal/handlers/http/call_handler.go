package http

import (
	"net/http"
	"strconv"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/errors"
	"callengine/pkg/logger"
	"callengine/pkg/validation"

	"github.com/gin-gonic/gin"
)

const maxHistoryLimit = 200

// CallHandler exposes the call engine as a JSON command API.
type CallHandler struct {
	calls ports.CallService
}

func NewCallHandler(calls ports.CallService) *CallHandler {
	return &CallHandler{calls: calls}
}

func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/calls", h.Initiate)
	api.GET("/calls", h.List)
	api.GET("/calls/active", h.Active)
	api.GET("/calls/history", h.History)
	api.GET("/invitations", h.Invitations)

	call := api.Group("/calls/:id")
	call.Use(h.withCallID)
	{
		call.GET("", h.Get)
		call.POST("/accept", h.Accept)
		call.POST("/decline", h.Decline)
		call.POST("/hangup", h.Hangup)
		call.POST("/end", h.EndForEveryone)

		call.PUT("/mute", h.SetMuted)
		call.PUT("/video", h.SetVideo)
		call.PUT("/video-source", h.ReplaceVideoSource)

		call.POST("/participants", h.InviteParticipant)
		call.DELETE("/participants/:user", h.RemoveParticipant)
		call.POST("/participants/:user/mute", h.MuteParticipant)
		call.PUT("/participants/:user/role", h.ChangeRole)
		call.POST("/mute-all", h.MuteAll)

		call.POST("/hand", h.RaiseHand)
		call.DELETE("/hand", h.LowerHand)
		call.POST("/hands/:hand/accept", h.AcceptHand)
		call.POST("/hands/:hand/decline", h.DeclineHand)
		call.POST("/hands/decline-all", h.DeclineAllHands)

		call.POST("/lock", h.Lock)
		call.POST("/unlock", h.Unlock)
		call.POST("/recording/start", h.StartRecording)
		call.POST("/recording/stop", h.StopRecording)
		call.GET("/moderation", h.ModerationLog)

		call.POST("/screenshare", h.StartScreenShare)
		call.DELETE("/screenshare", h.StopScreenShare)
		call.POST("/screenshare/pause", h.PauseScreenShare)
		call.POST("/screenshare/resume", h.ResumeScreenShare)
		call.POST("/annotations", h.StartAnnotation)
		call.DELETE("/annotations/:annotation", h.StopAnnotation)
	}
}

type InitiateRequest struct {
	Kind         domain.CallKind                `json:"kind" binding:"required"`
	Type         domain.CallType                `json:"type" binding:"required"`
	Participants []domain.UserID                `json:"participants" binding:"required,min=1,max=32"`
	Roles        map[domain.UserID]domain.Role `json:"roles"`
}

type InviteParticipantRequest struct {
	UserID domain.UserID `json:"user_id" binding:"required"`
	Role   domain.Role   `json:"role"`
}

type RoleRequest struct {
	Role domain.Role `json:"role" binding:"required"`
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type RaiseHandRequest struct {
	Message string `json:"message" binding:"max=280"`
}

type VideoSourceRequest struct {
	Source domain.VideoSource `json:"source" binding:"required"`
}

type AnnotationRequest struct {
	ShareID domain.ShareID `json:"share_id" binding:"required"`
}

const callIDKey = "call_id"

// withCallID validates the :id parameter and tags the request context.
func (h *CallHandler) withCallID(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		c.Abort()
		return
	}
	c.Set(callIDKey, domain.CallID(id))
	c.Request = c.Request.WithContext(logger.WithCallID(c.Request.Context(), id))
	c.Next()
}

func callID(c *gin.Context) domain.CallID {
	return c.MustGet(callIDKey).(domain.CallID)
}

// control resolves the call or records the error and returns nil.
func (h *CallHandler) control(c *gin.Context) ports.CallControl {
	ctl, err := h.calls.Call(callID(c))
	if err != nil {
		c.Error(toAppError(err))
		return nil
	}
	return ctl
}

// run executes op against the call and renders its snapshot afterwards.
func (h *CallHandler) run(c *gin.Context, op func(ctl ports.CallControl) error) {
	ctl := h.control(c)
	if ctl == nil {
		return
	}
	if err := op(ctl); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": ctl.Snapshot()})
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format").WithContext("reason", err.Error()))
		return false
	}
	return true
}

func (h *CallHandler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if !bindJSON(c, &req) {
		return
	}
	participants := make([]string, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = string(p)
	}
	if err := validation.ValidateParticipants(participants); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	for user, role := range req.Roles {
		if !role.Valid() {
			c.Error(errors.NewInvalidInputError("invalid role").WithContext("user_id", user))
			return
		}
	}

	snapshot, err := h.calls.Initiate(c.Request.Context(), ports.InitiateRequest{
		Kind:         req.Kind,
		Type:         req.Type,
		Participants: req.Participants,
		Roles:        req.Roles,
	})
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": snapshot})
}

func (h *CallHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.calls.List()})
}

func (h *CallHandler) Active(c *gin.Context) {
	snapshot, ok := h.calls.Active()
	if !ok {
		c.Error(errors.NewNotFoundError("active call"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": snapshot})
}

func (h *CallHandler) History(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.Error(errors.NewInvalidInputError("limit must be between 1 and 200"))
			return
		}
		limit = n
	}

	records, err := h.calls.RecentCalls(c.Request.Context(), limit)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	if records == nil {
		records = []domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *CallHandler) Invitations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"invitations": h.calls.Invitations()})
}

func (h *CallHandler) Get(c *gin.Context) {
	if ctl := h.control(c); ctl != nil {
		c.JSON(http.StatusOK, gin.H{"call": ctl.Snapshot()})
	}
}

// Accept and Decline go through the manager so queued invitations are found too.
func (h *CallHandler) Accept(c *gin.Context) {
	if err := h.calls.Accept(c.Request.Context(), callID(c)); err != nil {
		c.Error(toAppError(err))
		return
	}
	h.Get(c)
}

func (h *CallHandler) Decline(c *gin.Context) {
	if err := h.calls.Decline(c.Request.Context(), callID(c)); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) Hangup(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.Hangup(c.Request.Context()) })
}

func (h *CallHandler) EndForEveryone(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.EndForEveryone(c.Request.Context()) })
}

func (h *CallHandler) SetMuted(c *gin.Context) {
	var req ToggleRequest
	if !bindJSON(c, &req) {
		return
	}
	h.run(c, func(ctl ports.CallControl) error { return ctl.SetMuted(c.Request.Context(), *req.Enabled) })
}

func (h *CallHandler) SetVideo(c *gin.Context) {
	var req ToggleRequest
	if !bindJSON(c, &req) {
		return
	}
	h.run(c, func(ctl ports.CallControl) error { return ctl.SetVideoEnabled(c.Request.Context(), *req.Enabled) })
}

func (h *CallHandler) ReplaceVideoSource(c *gin.Context) {
	var req VideoSourceRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Source != domain.VideoSourceCamera && req.Source != domain.VideoSourceScreen {
		c.Error(errors.NewInvalidInputError("source must be camera or screen"))
		return
	}
	h.run(c, func(ctl ports.CallControl) error { return ctl.ReplaceVideoSource(c.Request.Context(), req.Source) })
}

func (h *CallHandler) InviteParticipant(c *gin.Context) {
	var req InviteParticipantRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidateUserID(string(req.UserID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleParticipant
	}
	if !req.Role.Valid() {
		c.Error(errors.NewInvalidInputError("invalid role"))
		return
	}
	h.run(c, func(ctl ports.CallControl) error {
		return ctl.InviteParticipant(c.Request.Context(), req.UserID, req.Role)
	})
}

func targetUser(c *gin.Context) (domain.UserID, bool) {
	user := c.Param("user")
	if err := validation.ValidateUserID(user); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.UserID(user), true
}

func (h *CallHandler) RemoveParticipant(c *gin.Context) {
	if user, ok := targetUser(c); ok {
		h.run(c, func(ctl ports.CallControl) error { return ctl.RemoveParticipant(c.Request.Context(), user) })
	}
}

func (h *CallHandler) MuteParticipant(c *gin.Context) {
	if user, ok := targetUser(c); ok {
		h.run(c, func(ctl ports.CallControl) error { return ctl.MuteParticipant(c.Request.Context(), user) })
	}
}

func (h *CallHandler) ChangeRole(c *gin.Context) {
	user, ok := targetUser(c)
	if !ok {
		return
	}
	var req RoleRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Role.Valid() {
		c.Error(errors.NewInvalidInputError("invalid role"))
		return
	}
	h.run(c, func(ctl ports.CallControl) error { return ctl.ChangeRole(c.Request.Context(), user, req.Role) })
}

func (h *CallHandler) MuteAll(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.MuteAll(c.Request.Context()) })
}

func (h *CallHandler) RaiseHand(c *gin.Context) {
	var req RaiseHandRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	ctl := h.control(c)
	if ctl == nil {
		return
	}
	request, err := ctl.RaiseHand(c.Request.Context(), req.Message)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"raise_hand": request})
}

func (h *CallHandler) LowerHand(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.LowerHand(c.Request.Context()) })
}

func (h *CallHandler) AcceptHand(c *gin.Context) {
	id := domain.RaiseHandID(c.Param("hand"))
	h.run(c, func(ctl ports.CallControl) error { return ctl.AcceptRaisedHand(c.Request.Context(), id) })
}

func (h *CallHandler) DeclineHand(c *gin.Context) {
	id := domain.RaiseHandID(c.Param("hand"))
	h.run(c, func(ctl ports.CallControl) error { return ctl.DeclineRaisedHand(c.Request.Context(), id) })
}

func (h *CallHandler) DeclineAllHands(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.DeclineAllRaisedHands(c.Request.Context()) })
}

func (h *CallHandler) Lock(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.Lock(c.Request.Context()) })
}

func (h *CallHandler) Unlock(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.Unlock(c.Request.Context()) })
}

func (h *CallHandler) StartRecording(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.StartRecording(c.Request.Context()) })
}

func (h *CallHandler) StopRecording(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.StopRecording(c.Request.Context()) })
}

func (h *CallHandler) ModerationLog(c *gin.Context) {
	ctl := h.control(c)
	if ctl == nil {
		return
	}
	entries, err := ctl.ModerationLog(c.Request.Context())
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *CallHandler) StartScreenShare(c *gin.Context) {
	var opts domain.ShareOptions
	if c.Request.ContentLength > 0 && !bindJSON(c, &opts) {
		return
	}
	if err := validation.ValidateQuality(string(opts.Quality)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	ctl := h.control(c)
	if ctl == nil {
		return
	}
	share, err := ctl.StartScreenShare(c.Request.Context(), opts)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"share": share})
}

func (h *CallHandler) StopScreenShare(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.StopScreenShare(c.Request.Context()) })
}

func (h *CallHandler) PauseScreenShare(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.PauseScreenShare(c.Request.Context()) })
}

func (h *CallHandler) ResumeScreenShare(c *gin.Context) {
	h.run(c, func(ctl ports.CallControl) error { return ctl.ResumeScreenShare(c.Request.Context()) })
}

func (h *CallHandler) StartAnnotation(c *gin.Context) {
	var req AnnotationRequest
	if !bindJSON(c, &req) {
		return
	}
	ctl := h.control(c)
	if ctl == nil {
		return
	}
	annotation, err := ctl.StartAnnotation(c.Request.Context(), req.ShareID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"annotation": annotation})
}

func (h *CallHandler) StopAnnotation(c *gin.Context) {
	id := domain.AnnotationID(c.Param("annotation"))
	h.run(c, func(ctl ports.CallControl) error { return ctl.StopAnnotation(c.Request.Context(), id) })
}
