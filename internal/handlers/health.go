package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"tipstream/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	cache       *services.RecordCacheService
	connManager *services.ConnectionManager
	startTime   time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(cache *services.RecordCacheService, connManager *services.ConnectionManager) *HealthHandler {
	return &HealthHandler{
		cache:       cache,
		connManager: connManager,
		startTime:   time.Now(),
	}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"subjects":    h.cache.SubjectCount(),
		"records":     h.cache.TotalCount(),
		"connections": h.connManager.Count(),
		"uptime":      time.Since(h.startTime).Round(time.Second).String(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
