package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/service"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// LaunchRun starts a new research run.
// POST /v1/runs
func (h *Handler) LaunchRun(c echo.Context) error {
	var req service.LaunchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	run, err := h.service.LaunchRun(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun returns the run record.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetState returns the narrated snapshot.
// GET /v1/runs/:run_id/state
func (h *Handler) GetState(c echo.Context) error {
	state, err := h.service.GetState(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// ListEvents returns the run's timeline.
// GET /v1/runs/:run_id/events
func (h *Handler) ListEvents(c echo.Context) error {
	events, err := h.service.ListEvents(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return jsonError(c, err)
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// TerminateRun cancels a run and requests teardown.
// POST /v1/runs/:run_id/terminate
func (h *Handler) TerminateRun(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.service.CancelRun(c.Request().Context(), runID); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "termination requested",
	})
}

// CompleteRun records a clean finish reported by the job itself.
// POST /internal/v1/runs/:run_id/complete
func (h *Handler) CompleteRun(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.service.CompleteRun(c.Request().Context(), runID); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": runID, "status": "completed"})
}

func jsonError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
