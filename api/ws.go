package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/agent-hub/events"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// wsEnvelope is one bus event on the wire: the kind plus the payload.
type wsEnvelope struct {
	Type  events.Kind  `json:"type"`
	Event events.Event `json:"event"`
}

// wsSendBuffer bounds how far a slow client may fall behind before we
// drop the connection rather than block the bus.
const wsSendBuffer = 256

// EventStream handles GET /api/events. It forwards live bus events as JSON
// frames; nothing is replayed on connect.
func (h *Handlers) EventStream(c *gin.Context) {
	// Gin wraps the response writer; websocket.Accept needs the raw one
	// for hijacking.
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	log.MarkHijacked(c)

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is checked by the outer deployment layer
	})
	if err != nil {
		log.Error().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.Abort()

	// Gin's request context does not cancel when the socket closes.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before spawning the writer so no frame is lost between
	// accept and subscribe. Bus delivery is synchronous, so the handoff
	// to the send channel must never block.
	send := make(chan wsEnvelope, wsSendBuffer)
	sub := h.bus.Subscribe(func(e events.Event) {
		select {
		case send <- wsEnvelope{Type: e.EventKind(), Event: e}:
		default:
			// Client too slow; drop the connection, not the bus.
			cancel()
		}
	})
	defer sub.Close()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-send:
				data, err := json.Marshal(env)
				if err != nil {
					log.Error().Err(err).Str("kind", string(env.Type)).Msg("failed to encode event")
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					if ctx.Err() == nil {
						log.Debug().Err(err).Msg("event stream write failed")
					}
					cancel()
					return
				}
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// The stream is one-way; reads only serve close detection.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Int("closeStatus", int(closeStatus)).Msg("event stream closed normally")
			} else if ctx.Err() == nil {
				log.Debug().Err(err).Msg("event stream read error")
			}
			cancel()
			break
		}
	}

	<-sendDone
	<-pingDone
}
