package models

import (
	"time"

	"github.com/gofiber/contrib/websocket"
)

// StateConnection is one WebSocket client subscribed to loading-state
// updates for a subject. All writes go through WriteChan so only the
// writer goroutine touches the underlying conn.
type StateConnection struct {
	ConnID    string
	Subject   string
	Conn      *websocket.Conn
	CreatedAt time.Time
	WriteChan chan LoadStatus
	StopChan  chan bool
}
