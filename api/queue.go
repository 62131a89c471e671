package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// queueEntryResponse is one worker-queue entry as rendered to clients.
type queueEntryResponse struct {
	QueueID    string    `json:"queueId"`
	Kind       string    `json:"kind"`
	ProjectID  string    `json:"projectId"`
	SessionID  string    `json:"sessionId,omitempty"`
	Position   int       `json:"position"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// ListQueue handles GET /api/queue
func (h *Handlers) ListQueue(c *gin.Context) {
	entries := h.sup.Queue().Entries()
	out := make([]queueEntryResponse, 0, len(entries))
	for i, e := range entries {
		out = append(out, queueEntryResponse{
			QueueID:    e.ID,
			Kind:       string(e.Kind),
			ProjectID:  e.ProjectID,
			SessionID:  e.SessionID,
			Position:   i + 1,
			EnqueuedAt: e.EnqueuedAt,
		})
	}
	RespondList(c, out)
}

// CancelQueued handles DELETE /api/queue/:queueId
func (h *Handlers) CancelQueued(c *gin.Context) {
	queueID := c.Param("queueId")
	if !h.sup.Queue().Cancel(queueID) {
		RespondNotFound(c, "queue entry not found")
		return
	}
	log.Debug().Str("queueId", queueID).Msg("queued request cancelled via API")
	RespondNoContent(c)
}
