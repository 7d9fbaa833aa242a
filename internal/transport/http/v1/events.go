package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

// IngestEvent accepts a typed timeline event from the running job.
// Duplicate (run_id, event_id) submissions are acknowledged without effect.
// POST /internal/v1/runs/:run_id/events
func (h *Handler) IngestEvent(c echo.Context) error {
	var ev domain.TimelineEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid event body"})
	}
	ev.RunID = c.Param("run_id")
	if err := h.service.IngestEvent(c.Request().Context(), ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id":   ev.RunID,
		"event_id": ev.EventID,
		"status":   "accepted",
	})
}

// Heartbeat records liveness from the job's sidecar.
// POST /internal/v1/runs/:run_id/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.service.Heartbeat(c.Request().Context(), runID); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": runID, "status": "ok"})
}
