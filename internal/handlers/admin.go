package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"tipstream/internal/jobs"
	"tipstream/internal/services"
)

// AdminHandler handles cache, relay and job admin operations
type AdminHandler struct {
	cache      *services.RecordCacheService
	pagination *services.PaginationService
	lookup     *services.LookupService
	relayList  *services.RelayListService
	jobs       *jobs.JobScheduler
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	cache *services.RecordCacheService,
	pagination *services.PaginationService,
	lookup *services.LookupService,
	relayList *services.RelayListService,
	jobScheduler *jobs.JobScheduler,
) *AdminHandler {
	return &AdminHandler{
		cache:      cache,
		pagination: pagination,
		lookup:     lookup,
		relayList:  relayList,
		jobs:       jobScheduler,
	}
}

// ClearCache drops every cached record and resets all loop state.
// Collaborating services call the same operation after configuration
// changes; this route exposes it for operators.
// POST /api/cache/clear
func (h *AdminHandler) ClearCache(c *fiber.Ctx) error {
	h.pagination.ResetAll()
	h.cache.ClearAll()

	log.Println("🗑️ [ADMIN] Record cache cleared via API")
	return c.JSON(fiber.Map{
		"status": "cleared",
	})
}

// CacheStats reports record cache and lookup cache statistics
// GET /api/cache/stats
func (h *AdminHandler) CacheStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"records": h.cache.Stats(),
		"lookups": h.lookup.Stats(),
	})
}

// Relays returns the active relay roster
// GET /api/relays
func (h *AdminHandler) Relays(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"primary": h.relayList.PrimaryURL(),
		"relays":  h.relayList.Relays(),
		"stats":   h.relayList.Stats(),
	})
}

// Jobs returns the background job roster and last outcomes
// GET /api/jobs
func (h *AdminHandler) Jobs(c *fiber.Ctx) error {
	if h.jobs == nil {
		return c.JSON(fiber.Map{
			"jobs": map[string]jobs.JobStatus{},
		})
	}

	return c.JSON(fiber.Map{
		"jobs": h.jobs.GetStatus(),
	})
}

// RunJob triggers a background job immediately
// POST /api/jobs/:name/run
func (h *AdminHandler) RunJob(c *fiber.Ctx) error {
	if h.jobs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Background jobs are not running",
		})
	}

	name := c.Params("name")
	if err := h.jobs.RunNow(name); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"status": "completed",
		"job":    name,
	})
}
