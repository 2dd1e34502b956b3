package services

import (
	"log"
	"sync"

	"tipstream/internal/models"
)

// ConnectionManager manages all active state stream WebSocket connections
type ConnectionManager struct {
	connections map[string]*models.StateConnection
	mutex       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.StateConnection),
	}
}

// Add adds a new connection
func (cm *ConnectionManager) Add(conn *models.StateConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[conn.ConnID] = conn
	log.Printf("✅ State stream connected: %s (subject: %s, total: %d)", conn.ConnID, conn.Subject, len(cm.connections))
}

// Remove removes a connection
func (cm *ConnectionManager) Remove(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if conn, exists := cm.connections[connID]; exists {
		close(conn.WriteChan)
		close(conn.StopChan)
		delete(cm.connections, connID)
		log.Printf("❌ State stream removed: %s (total: %d)", connID, len(cm.connections))
	}
}

// Get retrieves a connection by ID
func (cm *ConnectionManager) Get(connID string) (*models.StateConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[connID]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// BroadcastToSubject sends a state snapshot to every connection
// watching the given subject. Sends never block: a slow consumer
// misses the snapshot and catches up on the next one.
func (cm *ConnectionManager) BroadcastToSubject(subject string, status models.LoadStatus) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	for _, conn := range cm.connections {
		if conn.Subject != subject {
			continue
		}
		select {
		case conn.WriteChan <- status:
		default:
		}
	}
}

// GetAll returns all active connections
func (cm *ConnectionManager) GetAll() []*models.StateConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	conns := make([]*models.StateConnection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		conns = append(conns, conn)
	}
	return conns
}
