package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"tipstream/internal/models"
	"tipstream/internal/services"
)

// StateWebSocketHandler streams load state snapshots for one subject.
// Every pagination transition is pushed; clients never poll.
type StateWebSocketHandler struct {
	connManager *services.ConnectionManager
	pagination  *services.PaginationService
}

// NewStateWebSocketHandler creates a new state stream handler
func NewStateWebSocketHandler(connManager *services.ConnectionManager, pagination *services.PaginationService) *StateWebSocketHandler {
	return &StateWebSocketHandler{
		connManager: connManager,
		pagination:  pagination,
	}
}

// stateClientMessage is the only inbound message shape
type stateClientMessage struct {
	Type string `json:"type"`
}

// Handle handles a new state stream connection
func (h *StateWebSocketHandler) Handle(c *websocket.Conn) {
	subject := c.Query("subject")
	if subject == "" {
		c.WriteJSON(map[string]string{"error": "subject is required"})
		c.Close()
		return
	}

	connID := uuid.New().String()
	done := make(chan struct{})

	stateConn := &models.StateConnection{
		ConnID:    connID,
		Subject:   subject,
		Conn:      c,
		CreatedAt: time.Now(),
		WriteChan: make(chan models.LoadStatus, 16),
		StopChan:  make(chan bool, 1),
	}

	h.connManager.Add(stateConn)
	defer func() {
		close(done)
		h.connManager.Remove(connID)
	}()

	c.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	go h.pingLoop(stateConn, done)
	go h.writeLoop(stateConn)

	// Push the current snapshot right away so the client starts in sync
	stateConn.WriteChan <- h.pagination.State(subject).Status()

	h.readLoop(stateConn)
}

// pingLoop keeps the connection alive between state transitions
func (h *StateWebSocketHandler) pingLoop(stateConn *models.StateConnection, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := stateConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", stateConn.ConnID, err)
				return
			}
		}
	}
}

// writeLoop drains the write channel onto the socket
func (h *StateWebSocketHandler) writeLoop(stateConn *models.StateConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in state writeLoop: %v", r)
		}
	}()

	for status := range stateConn.WriteChan {
		if err := stateConn.Conn.WriteJSON(status); err != nil {
			log.Printf("❌ State stream write error for %s: %v", stateConn.ConnID, err)
			return
		}
	}
}

// readLoop handles inbound messages until the client goes away
func (h *StateWebSocketHandler) readLoop(stateConn *models.StateConnection) {
	for {
		_, msg, err := stateConn.Conn.ReadMessage()
		if err != nil {
			break
		}
		stateConn.Conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var clientMsg stateClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			continue
		}

		// An application-level ping answers with a fresh snapshot
		if clientMsg.Type == "ping" {
			select {
			case stateConn.WriteChan <- h.pagination.State(stateConn.Subject).Status():
			default:
			}
		}
	}
}
