package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"tipstream/internal/services"
)

// AnalyticsHandler serves aggregated views over the cached records
type AnalyticsHandler struct {
	pagination *services.PaginationService
	cache      *services.RecordCacheService
	analytics  *services.AnalyticsService
	export     *services.ExportService
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(
	pagination *services.PaginationService,
	cache *services.RecordCacheService,
	analytics *services.AnalyticsService,
	export *services.ExportService,
) *AnalyticsHandler {
	return &AnalyticsHandler{
		pagination: pagination,
		cache:      cache,
		analytics:  analytics,
		export:     export,
	}
}

// Summary returns the full analytics rollup for a subject and window.
// Configuration errors (no subject, broken custom window) produce an
// empty summary without querying anything.
// GET /api/analytics?subject=&window=
func (h *AnalyticsHandler) Summary(c *fiber.Ctx) error {
	return c.JSON(h.buildSummary(c))
}

// Export renders the rollup as an XLSX workbook download.
// GET /api/analytics/export?subject=&window=
func (h *AnalyticsHandler) Export(c *fiber.Ctx) error {
	summary := h.buildSummary(c)

	buf, err := h.export.Workbook(summary)
	if err != nil {
		log.Printf("❌ [ANALYTICS] Export failed for subject %s: %v", summary.Subject, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to render workbook",
		})
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", `attachment; filename="`+services.ExportFilename(summary.Subject)+`"`)
	return c.Send(buf.Bytes())
}

func (h *AnalyticsHandler) buildSummary(c *fiber.Ctx) services.Summary {
	subject := c.Query("subject")
	window, err := parseWindowQuery(c)

	if subject == "" || err != nil {
		return services.EmptySummary(subject, window)
	}

	h.pagination.EnsureWindow(subject, window)
	records := services.FilterByWindow(h.cache.Get(subject), window)

	return h.analytics.Summarize(c.Context(), subject, records, window)
}
