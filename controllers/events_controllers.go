package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/utils"
)

type EventsController struct {
	Hub      *events.Hub
	upgrader websocket.Upgrader
}

// NewEventsController accepts websocket upgrades from the given origins;
// "*" or an empty list allows any origin.
func NewEventsController(hub *events.Hub, allowedOrigins []string) *EventsController {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &EventsController{
		Hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
	}
}

// Stream upgrades to a websocket and keeps the client registered on the hub
// until it disconnects. Nothing sent by the client is used.
func (ec *EventsController) Stream(c *gin.Context) {
	ws, err := ec.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.LogError("controllers", "Stream", err, nil)
		return
	}

	who := auditFrom(c).Who
	ec.Hub.Register(ws, who)
	utils.InfoLogger.WithField("who", who).Info("Dashboard connected")

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	ec.Hub.Unregister(ws)
	utils.InfoLogger.WithField("who", who).Info("Dashboard disconnected")
}
