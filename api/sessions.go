package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/agent-hub/agent"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
	"github.com/xiaoyuanzhu-com/agent-hub/supervisor"
)

// sessionRequest is the shared body for start, create and resume calls.
type sessionRequest struct {
	ProjectPath    string             `json:"projectPath"`
	Message        string             `json:"message"`
	Attachments    []agent.Attachment `json:"attachments"`
	PermissionMode string             `json:"permissionMode"`
}

// queuedResponse describes a request parked in the worker queue.
type queuedResponse struct {
	Queued   bool   `json:"queued"`
	QueueID  string `json:"queueId"`
	Position int    `json:"position"`
}

// sessionResponse describes a live process, optionally with ownership.
type sessionResponse struct {
	supervisor.ProcessInfo
	External bool `json:"external,omitempty"`
}

func (h *Handlers) parseMode(c *gin.Context, raw string) (agent.PermissionMode, bool) {
	if raw == "" {
		return "", true
	}
	mode := agent.PermissionMode(raw)
	if !agent.ValidPermissionMode(mode) {
		RespondBadRequest(c, "unknown permission mode: "+raw)
		return "", false
	}
	return mode, true
}

func (h *Handlers) respondStartResult(c *gin.Context, res supervisor.StartResult) {
	if res.Queued {
		RespondAccepted(c, queuedResponse{Queued: true, QueueID: res.QueueID, Position: res.Position})
		return
	}
	RespondCreated(c, sessionResponse{ProcessInfo: res.Process.Info()})
}

func (h *Handlers) respondStartError(c *gin.Context, err error) {
	if errors.Is(err, supervisor.ErrQueueFull) {
		RespondTooManyRequests(c, "worker queue is full")
		return
	}
	log.Error().Err(err).Msg("failed to start session")
	RespondInternalError(c, err.Error())
}

// StartSession handles POST /api/sessions
func (h *Handlers) StartSession(c *gin.Context) {
	var body sessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}
	if body.ProjectPath == "" {
		RespondBadRequest(c, "projectPath is required")
		return
	}
	if body.Message == "" {
		RespondBadRequest(c, "message is required")
		return
	}
	mode, ok := h.parseMode(c, body.PermissionMode)
	if !ok {
		return
	}

	res, err := h.sup.StartSession(body.ProjectPath, body.Message, body.Attachments, mode)
	if err != nil {
		h.respondStartError(c, err)
		return
	}
	h.respondStartResult(c, res)
}

// CreateSession handles POST /api/sessions/create. The agent starts but
// blocks on its queue until the first message arrives.
func (h *Handlers) CreateSession(c *gin.Context) {
	var body sessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}
	if body.ProjectPath == "" {
		RespondBadRequest(c, "projectPath is required")
		return
	}
	mode, ok := h.parseMode(c, body.PermissionMode)
	if !ok {
		return
	}

	res, err := h.sup.CreateSession(body.ProjectPath, mode)
	if err != nil {
		h.respondStartError(c, err)
		return
	}
	h.respondStartResult(c, res)
}

// ResumeSession handles POST /api/sessions/:id/resume
func (h *Handlers) ResumeSession(c *gin.Context) {
	sessionID := c.Param("id")

	var body sessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}
	if body.ProjectPath == "" {
		RespondBadRequest(c, "projectPath is required")
		return
	}
	if body.Message == "" {
		RespondBadRequest(c, "message is required")
		return
	}
	mode, ok := h.parseMode(c, body.PermissionMode)
	if !ok {
		return
	}

	res, err := h.sup.ResumeSession(sessionID, body.ProjectPath, body.Message, body.Attachments, mode)
	if err != nil {
		h.respondStartError(c, err)
		return
	}
	if !res.Queued {
		// Delivery to an already-live process is a 200, not a 201.
		RespondData(c, sessionResponse{ProcessInfo: res.Process.Info()})
		return
	}
	h.respondStartResult(c, res)
}

// ListSessions handles GET /api/sessions. Live processes come first; the
// tracker contributes nothing here because external sessions have no
// process to project.
func (h *Handlers) ListSessions(c *gin.Context) {
	procs := h.sup.Processes()
	out := make([]sessionResponse, 0, len(procs))
	for _, p := range procs {
		info := p.Info()
		resp := sessionResponse{ProcessInfo: info}
		if h.tracker != nil {
			resp.External = h.tracker.IsExternal(info.SessionID)
		}
		out = append(out, resp)
	}
	RespondList(c, out)
}

// GetSession handles GET /api/sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	proc, ok := h.sup.ProcessBySession(c.Param("id"))
	if !ok {
		RespondNotFound(c, "session not found")
		return
	}
	RespondData(c, sessionResponse{ProcessInfo: proc.Info()})
}

// GetSessionHistory handles GET /api/sessions/:id/history
func (h *Handlers) GetSessionHistory(c *gin.Context) {
	sessionID := c.Param("id")
	proc, ok := h.sup.ProcessBySession(sessionID)
	if !ok {
		RespondNotFound(c, "session not found")
		return
	}

	history := proc.History()
	if history == nil {
		history = []agent.Message{}
	}
	RespondData(c, gin.H{
		"sessionId": sessionID,
		"messages":  history,
	})
}

// SendMessage handles POST /api/sessions/:id/messages
func (h *Handlers) SendMessage(c *gin.Context) {
	sessionID := c.Param("id")
	proc, ok := h.sup.ProcessBySession(sessionID)
	if !ok {
		RespondNotFound(c, "session not found")
		return
	}

	var body struct {
		Message     string             `json:"message" binding:"required"`
		Attachments []agent.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	res := proc.QueueMessage(body.Message, body.Attachments)
	if !res.Success {
		RespondConflict(c, "session has terminated: "+res.Reason)
		return
	}
	RespondData(c, res)
}

// GetPendingInput handles GET /api/sessions/:id/pending
func (h *Handlers) GetPendingInput(c *gin.Context) {
	proc, ok := h.sup.ProcessBySession(c.Param("id"))
	if !ok {
		RespondNotFound(c, "session not found")
		return
	}

	req, pending := proc.PendingInputRequest()
	if !pending {
		RespondData(c, gin.H{"pending": false})
		return
	}
	RespondData(c, gin.H{"pending": true, "request": req})
}

// RespondToInput handles POST /api/sessions/:id/respond, answering the
// surfaced tool-approval request.
func (h *Handlers) RespondToInput(c *gin.Context) {
	sessionID := c.Param("id")
	proc, ok := h.sup.ProcessBySession(sessionID)
	if !ok {
		RespondNotFound(c, "session not found")
		return
	}

	var body struct {
		RequestID string         `json:"requestId" binding:"required"`
		Approve   bool           `json:"approve"`
		Answers   map[string]any `json:"answers"`
		Feedback  string         `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	if !proc.RespondToInput(body.RequestID, body.Approve, body.Answers, body.Feedback) {
		RespondNotFound(c, "no pending request with id "+body.RequestID)
		return
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("requestId", body.RequestID).
		Bool("approve", body.Approve).
		Msg("input request resolved")
	RespondData(c, gin.H{"resolved": true})
}

// SetPermissionMode handles PUT /api/sessions/:id/permission-mode
func (h *Handlers) SetPermissionMode(c *gin.Context) {
	proc, ok := h.sup.ProcessBySession(c.Param("id"))
	if !ok {
		RespondNotFound(c, "session not found")
		return
	}

	var body struct {
		PermissionMode string `json:"permissionMode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}
	mode, modeOK := h.parseMode(c, body.PermissionMode)
	if !modeOK {
		return
	}

	version := proc.SetPermissionMode(mode)
	RespondData(c, gin.H{"permissionMode": mode, "modeVersion": version})
}

// AbortSession handles DELETE /api/sessions/:id
func (h *Handlers) AbortSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sup.AbortSession(sessionID); err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	log.Info().Str("sessionId", sessionID).Msg("session aborted via API")
	RespondNoContent(c)
}

// AbortProcess handles DELETE /api/processes/:id
func (h *Handlers) AbortProcess(c *gin.Context) {
	processID := c.Param("id")
	if err := h.sup.AbortProcess(processID); err != nil {
		RespondNotFound(c, "process not found")
		return
	}
	log.Info().Str("processId", processID).Msg("process aborted via API")
	RespondNoContent(c)
}
