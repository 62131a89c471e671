package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	api := r.Group("/api")

	// Session lifecycle
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.StartSession)
	api.POST("/sessions/create", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.AbortSession)
	api.POST("/sessions/:id/resume", h.ResumeSession)
	api.GET("/sessions/:id/history", h.GetSessionHistory)
	api.POST("/sessions/:id/messages", h.SendMessage)
	api.GET("/sessions/:id/pending", h.GetPendingInput)
	api.POST("/sessions/:id/respond", h.RespondToInput)
	api.PUT("/sessions/:id/permission-mode", h.SetPermissionMode)

	// Processes (abort by process id)
	api.DELETE("/processes/:id", h.AbortProcess)

	// Worker queue
	api.GET("/queue", h.ListQueue)
	api.DELETE("/queue/:queueId", h.CancelQueued)

	// Live event stream (WebSocket)
	api.GET("/events", h.EventStream)
}
