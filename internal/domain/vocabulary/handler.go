package vocabulary

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/interop/interop/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/vocabulary/concepts", h.SearchConcepts)
	api.GET("/vocabulary/concepts/:id", h.GetConcept)
	api.POST("/vocabulary/load", h.LoadCSV)
}

func (h *Handler) SearchConcepts(c echo.Context) error {
	query := c.QueryParam("q")
	code := c.QueryParam("code")
	vocab := c.QueryParam("vocabulary")
	domain := c.QueryParam("domain")
	limit := pagination.FromContext(c).Limit

	if code != "" {
		concept, err := h.svc.LookupByCode(code, vocab)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "concept not found")
		}
		return c.JSON(http.StatusOK, []*Concept{concept})
	}
	if query == "" && domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q, code, or domain is required")
	}
	if query == "" {
		return c.JSON(http.StatusOK, h.svc.ConceptsByDomain(domain, limit))
	}
	return c.JSON(http.StatusOK, h.svc.SearchByText(query, domain, limit))
}

func (h *Handler) GetConcept(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "concept id must be an integer")
	}
	concept, err := h.svc.GetByID(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "concept not found")
	}
	return c.JSON(http.StatusOK, concept)
}

type loadRequest struct {
	Path       string `json:"path"`
	Vocabulary string `json:"vocabulary,omitempty"`
}

func (h *Handler) LoadCSV(c echo.Context) error {
	var req loadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	result, err := h.svc.LoadFromCSV(req.Path, req.Vocabulary)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
