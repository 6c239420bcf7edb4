package omop

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/interop/interop/internal/domain/schema"
	"github.com/interop/interop/internal/domain/vocabulary"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/omop/predict-table", h.PredictTable)
	api.POST("/omop/normalize", h.Normalize)
	api.POST("/omop/jobs/:id/normalize", h.NormalizeJob)
	api.GET("/omop/jobs/:id/preview", h.Preview)
	api.POST("/omop/jobs/:id/persist", h.Persist)
	api.POST("/omop/ingest", h.Ingest)
	api.GET("/omop/tables/:table/rows", h.ListRows)
	api.POST("/omop/approvals", h.SaveApproval)
	api.GET("/omop/approvals", h.ListApprovals)
}

type predictTableRequest struct {
	SourceSchema map[string]string `json:"sourceSchema"`
}

func (h *Handler) PredictTable(c echo.Context) error {
	var req predictTableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	source, err := schema.ParseSchema(req.SourceSchema)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, PredictTable(source))
}

func (h *Handler) Normalize(c echo.Context) error {
	var req NormalizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.NormalizeConcepts(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) NormalizeJob(c echo.Context) error {
	res, err := h.svc.NormalizeJobConcepts(c.Request().Context(),
		c.Param("id"), c.QueryParam("domain"), c.QueryParam("table"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Preview(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	rows, err := h.svc.Preview(c.Request().Context(), c.Param("id"), c.QueryParam("table"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) Persist(c echo.Context) error {
	count, err := h.svc.PersistAll(c.Request().Context(), c.Param("id"), c.QueryParam("table"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"persisted": count})
}

type ingestRequest struct {
	Resource    map[string]any `json:"resource"`
	TargetTable string         `json:"targetTable"`
}

func (h *Handler) Ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := h.svc.IngestOne(c.Request().Context(), req.Resource, req.TargetTable, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) ListRows(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	rows, err := h.svc.ListRows(c.Request().Context(), c.Param("table"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) SaveApproval(c echo.Context) error {
	var a vocabulary.Approval
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SaveApproval(c.Request().Context(), &a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListApprovals(c echo.Context) error {
	approvals, err := h.svc.ListApprovals(c.Request().Context(), c.QueryParam("jobId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, approvals)
}
