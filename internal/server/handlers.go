package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/agentdb/internal/actor"
	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/pipeline"
)

// Handler exposes the inbound call surface over one actor registry.
type Handler struct {
	Registry *actor.Registry
}

// Register mounts the API routes.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/instances/:instance/operations", h.operation)
	g.POST("/instances/:instance/phrases", h.phrase)
	g.POST("/instances/:instance/pipelines", h.pipeline)
	g.DELETE("/instances/:instance/watches/:id", h.cancelWatch)
	g.GET("/instances/:instance/failures", h.failures)
	g.POST("/instances/:instance/compactions", h.compact)
	g.DELETE("/instances/:instance", h.destroy)
}

func (h *Handler) actor(c echo.Context) (*actor.Actor, error) {
	a, err := h.Registry.Get(c.Request().Context(), c.Param("instance"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return a, nil
}

func statusFor(err error) int {
	switch {
	case errors.As(err, &data.ErrAmbiguousIntent{}),
		errors.As(err, &data.ErrSchemaViolation{}),
		errors.Is(err, data.ErrCyclicDependency):
		return http.StatusUnprocessableEntity
	case errors.As(err, &data.ErrUnknownTable{}):
		return http.StatusNotFound
	case errors.As(err, &data.ErrTierUnavailable{}):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// operation accepts a resolved structured call: the priority path, no
// language inference involved.
func (h *Handler) operation(c echo.Context) error {
	a, err := h.actor(c)
	if err != nil {
		return err
	}
	var op data.Operation
	if err := c.Bind(&op); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := a.Submit(c.Request().Context(), op)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// phrase accepts classifier output: a candidate document the resolver
// validates against the instance's schemas.
func (h *Handler) phrase(c echo.Context) error {
	a, err := h.actor(c)
	if err != nil {
		return err
	}
	raw, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := a.SubmitCandidate(c.Request().Context(), raw)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// pipeline accepts a dependency graph of steps and executes it in one
// actor turn; partial failure comes back per step.
func (h *Handler) pipeline(c echo.Context) error {
	a, err := h.actor(c)
	if err != nil {
		return err
	}
	var req struct {
		Steps []pipeline.Step `json:"steps"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	results, err := a.SubmitPipeline(c.Request().Context(), req.Steps)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"steps": results})
}

func (h *Handler) cancelWatch(c echo.Context) error {
	a, err := h.actor(c)
	if err != nil {
		return err
	}
	if err := a.CancelWatch(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) failures(c echo.Context) error {
	a, err := h.actor(c)
	if err != nil {
		return err
	}
	failures := a.DeliveryFailures()
	out := make([]map[string]string, len(failures))
	for i, f := range failures {
		out[i] = map[string]string{
			"subscription_id": f.SubscriptionID,
			"table":           f.Table,
			"error":           f.Error(),
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"failures": out})
}

func (h *Handler) compact(c echo.Context) error {
	a, err := h.actor(c)
	if err != nil {
		return err
	}
	report, err := a.Compact(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) destroy(c echo.Context) error {
	if err := h.Registry.Destroy(c.Request().Context(), c.Param("instance")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func readBody(c echo.Context) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
