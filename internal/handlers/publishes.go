package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"tipstream/internal/models"
	"tipstream/internal/services"
)

// PublishHandler handles scheduled publish HTTP requests. The service
// is nil when MongoDB is not configured; every route then answers 503.
type PublishHandler struct {
	publishService *services.ScheduledPublishService
}

// NewPublishHandler creates a new publish handler
func NewPublishHandler(publishService *services.ScheduledPublishService) *PublishHandler {
	return &PublishHandler{
		publishService: publishService,
	}
}

func (h *PublishHandler) unavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "Scheduled publishing requires MongoDB (set MONGODB_URI)",
	})
}

// Create schedules a new publish
// POST /api/publishes
func (h *PublishHandler) Create(c *fiber.Ctx) error {
	if h.publishService == nil {
		return h.unavailable(c)
	}

	var req models.CreatePublishRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	row, err := h.publishService.Create(c.Context(), &req)
	if err != nil {
		log.Printf("❌ [PUBLISH] Failed to create scheduled publish: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(row)
}

// List returns scheduled publishes
// GET /api/publishes?subject=&status=&limit=
func (h *PublishHandler) List(c *fiber.Ctx) error {
	if h.publishService == nil {
		return h.unavailable(c)
	}

	rows, err := h.publishService.List(c.Context(),
		c.Query("subject"),
		c.Query("status"),
		int64(c.QueryInt("limit")),
	)
	if err != nil {
		log.Printf("❌ [PUBLISH] Failed to list scheduled publishes: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list scheduled publishes",
		})
	}

	return c.JSON(fiber.Map{
		"publishes": rows,
		"count":     len(rows),
	})
}

// Get returns one scheduled publish
// GET /api/publishes/:id
func (h *PublishHandler) Get(c *fiber.Ctx) error {
	if h.publishService == nil {
		return h.unavailable(c)
	}

	row, err := h.publishService.Get(c.Context(), c.Params("id"))
	if err != nil {
		if err.Error() == "scheduled publish not found" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(row)
}

// Delete cancels a pending publish
// DELETE /api/publishes/:id
func (h *PublishHandler) Delete(c *fiber.Ctx) error {
	if h.publishService == nil {
		return h.unavailable(c)
	}

	if err := h.publishService.DeletePending(c.Context(), c.Params("id")); err != nil {
		if err.Error() == "scheduled publish not found or already processed" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"status": "cancelled",
	})
}

// Stats returns scheduled publish counts per status
// GET /api/publishes/stats
func (h *PublishHandler) Stats(c *fiber.Ctx) error {
	if h.publishService == nil {
		return h.unavailable(c)
	}

	stats, err := h.publishService.Stats(c.Context())
	if err != nil {
		log.Printf("❌ [PUBLISH] Failed to load publish stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load publish stats",
		})
	}

	return c.JSON(stats)
}
