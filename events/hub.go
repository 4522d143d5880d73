// Package events fans ledger changes out to connected admin dashboards.
package events

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/utils"
)

// Event types
const (
	EventReceiptCreated     = "receipt_created"
	EventReceiptUpdated     = "receipt_updated"
	EventReceiptClosed      = "receipt_closed"
	EventTransactionCreated = "transaction_created"
	EventTransactionSettled = "transaction_settled"
	EventRefundCreated      = "refund_created"
	EventOwnerPaid          = "owner_paid"
	EventPendingCancelled   = "pending_cancelled"
	EventAlert              = "alert"
)

type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Publisher receives ledger events after they are committed.
type Publisher interface {
	Publish(event string, data interface{})
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, interface{}) {}

// Hub holds the connected dashboard clients.
type Hub struct {
	clients map[*websocket.Conn]string // conn -> who
	mutex   sync.Mutex
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]string)}
}

func (h *Hub) Register(conn *websocket.Conn, who string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[conn] = who
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.clients, conn)
	conn.Close()
}

func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Publish writes the event to every client. Clients that fail a write are dropped.
func (h *Hub) Publish(event string, data interface{}) {
	payload, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		utils.ErrorLogger.WithField("event", event).Errorf("Error marshaling message: %v", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for conn, who := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			utils.ErrorLogger.WithFields(logrus.Fields{
				"event": event,
				"who":   who,
			}).Errorf("Error sending message to client: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}
