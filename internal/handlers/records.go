package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"tipstream/internal/models"
	"tipstream/internal/services"
)

// DefaultWindowPreset is used when a request names no window.
const DefaultWindowPreset = "7d"

// RecordsHandler serves the cached receipt view per subject
type RecordsHandler struct {
	pagination *services.PaginationService
	cache      *services.RecordCacheService
}

// NewRecordsHandler creates a new records handler
func NewRecordsHandler(pagination *services.PaginationService, cache *services.RecordCacheService) *RecordsHandler {
	return &RecordsHandler{
		pagination: pagination,
		cache:      cache,
	}
}

// List returns the window-filtered records for a subject, kicking off
// a background load when the cache does not cover the window yet.
// GET /api/records?subject=&window=7d | since=&until=
func (h *RecordsHandler) List(c *fiber.Ctx) error {
	subject := c.Query("subject")
	window, err := parseWindowQuery(c)

	// Missing subject or a broken window is a configuration error:
	// respond with an empty view, never touch the relays.
	if subject == "" || err != nil {
		return c.JSON(fiber.Map{
			"subject": subject,
			"records": []models.Record{},
			"count":   0,
			"state":   services.LoopState{Subject: subject}.Status(),
		})
	}

	state := h.pagination.EnsureWindow(subject, window)
	records := services.FilterByWindow(h.cache.Get(subject), window)

	return c.JSON(fiber.Map{
		"subject": subject,
		"window":  window,
		"records": records,
		"count":   len(records),
		"state":   state.Status(),
	})
}

// loadMoreRequest selects the subject and window for a manual load.
type loadMoreRequest struct {
	Subject string `json:"subject"`
	Window  string `json:"window,omitempty"`
	Since   int64  `json:"since,omitempty"`
	Until   int64  `json:"until,omitempty"`
}

// LoadMore explicitly requests the next batch for a subject. A manual
// request clears failure counters and re-enables auto-loading.
// POST /api/records/load-more
func (h *RecordsHandler) LoadMore(c *fiber.Ctx) error {
	var req loadMoreRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Subject == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "subject is required",
		})
	}

	window, err := buildWindow(req.Window, req.Since, req.Until)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	state := h.pagination.LoadMore(req.Subject, window)
	return c.JSON(fiber.Map{
		"state": state.Status(),
	})
}

// State returns the load state for a subject without triggering
// anything.
// GET /api/records/state?subject=
func (h *RecordsHandler) State(c *fiber.Ctx) error {
	subject := c.Query("subject")
	if subject == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "subject is required",
		})
	}

	return c.JSON(fiber.Map{
		"state": h.pagination.State(subject).Status(),
	})
}

// parseWindowQuery builds a window from query parameters. since+until
// select a custom window; otherwise the window preset applies.
func parseWindowQuery(c *fiber.Ctx) (models.Window, error) {
	since := int64(c.QueryInt("since"))
	until := int64(c.QueryInt("until"))
	return buildWindow(c.Query("window"), since, until)
}

func buildWindow(preset string, since, until int64) (models.Window, error) {
	if since != 0 || until != 0 {
		return models.CustomWindow(since, until)
	}
	if preset == "" {
		preset = DefaultWindowPreset
	}
	return models.PresetWindow(preset, time.Now())
}
