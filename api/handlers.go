package api

import (
	"github.com/xiaoyuanzhu-com/agent-hub/events"
	"github.com/xiaoyuanzhu-com/agent-hub/supervisor"
)

// Handlers bundles the dependencies every endpoint needs.
type Handlers struct {
	sup     *supervisor.Supervisor
	bus     *events.Bus
	tracker *supervisor.ExternalSessionTracker
}

// NewHandlers creates the handler set. The tracker is optional; without it
// session listings report no external ownership.
func NewHandlers(sup *supervisor.Supervisor, bus *events.Bus, tracker *supervisor.ExternalSessionTracker) *Handlers {
	return &Handlers{sup: sup, bus: bus, tracker: tracker}
}
