package results

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type listResponse struct {
	Items []*Record `json:"items"`
	Total int       `json:"total"`
}

// Handler serves the result ledger read-only.
type Handler struct {
	ledger Ledger
}

func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/results", h.handleList)
	g.GET("/results/:id", h.handleGet)
}

func (h *Handler) handleList(c echo.Context) error {
	items, total, err := h.ledger.List(c.Request().Context(), ListParams{
		ProcessorID: c.QueryParam("processor"),
		PatientID:   c.QueryParam("patient"),
		Limit:       intParam(c, "limit", 50),
		Offset:      intParam(c, "offset", 0),
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handler) handleGet(c echo.Context) error {
	r, err := h.ledger.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, r)
}

func intParam(c echo.Context, name string, def int) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || n < 0 {
		return def
	}
	return n
}
