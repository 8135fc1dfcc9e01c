package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sharedcatalog/logger"
	"sharedcatalog/metrics"
	"sharedcatalog/models"
)

// AckEvent is pushed to websocket subscribers when a subject is acknowledged.
type AckEvent struct {
	Type    string         `json:"type"`
	Subject models.Subject `json:"subject"`
	Ack     models.AckItem `json:"ack"`
}

// Hub manages websocket clients and broadcasts ack events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewHub() *Hub { return &Hub{clients: make(map[*websocket.Conn]*sync.Mutex)} }

func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
	metrics.IncWSConnections()
	logger.Info("websocket client connected", logger.FieldKV("remote_addr", conn.RemoteAddr().String()))
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	_ = conn.Close()
	metrics.DecWSConnections()
	logger.Info("websocket client disconnected", logger.FieldKV("remote_addr", conn.RemoteAddr().String()))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c, wmu := range h.clients {
		wmu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := c.WriteJSON(msg)
		wmu.Unlock()
		if err != nil {
			logger.Error("websocket write error", err, logger.FieldKV("remote_addr", c.RemoteAddr().String()))
		}
	}
}

// OnAcknowledged matches catalog.AckHandler.
func (h *Hub) OnAcknowledged(subject models.Subject, ack models.AckItem) {
	logger.Info("item acknowledged", logger.FieldKV("subject", subject.String()), logger.FieldKV("by", ack.By.String()))
	h.Broadcast(AckEvent{Type: "acknowledged", Subject: subject, Ack: ack})
}
