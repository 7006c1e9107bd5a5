package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/archive"
	"github.com/ehr/labsync/internal/lab/dispatch"
	"github.com/ehr/labsync/internal/lab/order"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/retrieval"
	"github.com/ehr/labsync/internal/lab/transport"
	"github.com/ehr/labsync/internal/platform/auth"
	"github.com/ehr/labsync/internal/platform/docstore"
)

const dateLayout = "2006-01-02"

type Handler struct {
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

func NewHandler(d *dispatch.Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{dispatcher: d, logger: logger.With().Str("component", "api").Logger()}
}

// RegisterRoutes registers the processor and order endpoints.
//
//	GET  /processors
//	POST /processors/:id/cycle?max=N&no_ack=true
//	GET  /processors/:id/replay?from=YYYY-MM-DD&thru=YYYY-MM-DD
//	POST /orders/hl7
func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := auth.RequireRole(auth.RoleReader, auth.RoleOps)
	ops := auth.RequireRole(auth.RoleOps)

	g.GET("/processors", h.listProcessors, read)
	g.POST("/processors/:id/cycle", h.runCycle, ops)
	g.GET("/processors/:id/replay", h.replay, read)
	g.POST("/orders/hl7", h.buildOrder, ops)
}

type processorView struct {
	processor.Config
	Running bool `json:"running"`
}

func (h *Handler) listProcessors(c echo.Context) error {
	configs, err := h.dispatcher.Processors().List(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	out := make([]processorView, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, processorView{Config: *cfg, Running: h.dispatcher.Running(cfg.ID)})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) runCycle(c echo.Context) error {
	opts := dispatch.CycleOptions{}
	if v := c.QueryParam("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, fmt.Errorf("max must be a positive integer"))
		}
		opts.Max = n
	}
	opts.NoAck, _ = strconv.ParseBool(c.QueryParam("no_ack"))

	report, err := h.dispatcher.RunCycle(c.Request().Context(), c.Param("id"), opts)
	switch {
	case errors.Is(err, dispatch.ErrCycleInProgress):
		return errorJSON(c, http.StatusConflict, err)
	case errors.Is(err, processor.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, err)
	case errors.Is(err, transport.ErrConfiguration):
		return c.JSON(http.StatusUnprocessableEntity, report)
	case err != nil && report != nil:
		// Partial cycles still report what was stored and acknowledged.
		return c.JSON(http.StatusBadGateway, report)
	case err != nil:
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, report)
}

func parseDate(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, fmt.Errorf("%s is required (YYYY-MM-DD)", name)
	}
	t, err := time.ParseInLocation(dateLayout, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected YYYY-MM-DD, got %q", name, v)
	}
	return t, nil
}

func (h *Handler) replay(c echo.Context) error {
	from, err := parseDate(c, "from")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	thru, err := parseDate(c, "thru")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	res, err := h.dispatcher.Replay(c.Request().Context(), c.Param("id"), from, thru)
	switch {
	case errors.Is(err, processor.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, err)
	case errors.Is(err, archive.ErrInvalidRange):
		return errorJSON(c, http.StatusBadRequest, err)
	case errors.Is(err, retrieval.ErrNoArchive), errors.Is(err, transport.ErrConfiguration):
		return errorJSON(c, http.StatusUnprocessableEntity, err)
	case err != nil:
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) buildOrder(c echo.Context) error {
	var req order.Request
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, fmt.Errorf("invalid order body: %w", err))
	}
	if req.Processor == "" {
		return errorJSON(c, http.StatusBadRequest, errors.New("processor is required"))
	}
	cfg, err := h.dispatcher.Processors().Get(c.Request().Context(), req.Processor)
	if errors.Is(err, processor.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, err)
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}

	req.Prepare(*cfg, time.Now())
	text, err := req.Build()
	if errors.Is(err, order.ErrInvalidOrder) {
		return errorJSON(c, http.StatusUnprocessableEntity, err)
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	h.logger.Info().Str("processor", cfg.ID).Str("control_id", req.Order.ControlID).Msg("order built")
	c.Response().Header().Set("X-Control-ID", req.Order.ControlID)
	return c.Blob(http.StatusOK, docstore.ContentTypeHL7, []byte(text))
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}
