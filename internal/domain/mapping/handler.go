package mapping

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/interop/interop/internal/domain/schema"
	"github.com/interop/interop/internal/domain/transform"
	"github.com/interop/interop/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/mapping/jobs", h.CreateJob)
	api.GET("/mapping/jobs", h.ListJobs)
	api.GET("/mapping/jobs/:id", h.GetJob)
	api.DELETE("/mapping/jobs/:id", h.DeleteJob)
	api.POST("/mapping/jobs/:id/analyze", h.AnalyzeJob)
	api.POST("/mapping/jobs/:id/mappings", h.AddManualMapping)
	api.POST("/mapping/jobs/:id/approve", h.ApproveMappings)
	api.POST("/mapping/predict-resource", h.PredictResource)
	api.POST("/mapping/infer-schema", h.InferSchema)
}

type createJobRequest struct {
	Name         string            `json:"name"`
	SourceSchema map[string]string `json:"sourceSchema"`
	TargetSchema map[string]string `json:"targetSchema"`
}

func (h *Handler) CreateJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	source, err := schema.ParseSchema(req.SourceSchema)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := schema.ParseSchema(req.TargetSchema)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	job, err := h.svc.CreateJob(c.Request().Context(), middleware.UserID(c), req.Name, source, target)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, job)
}

func (h *Handler) ListJobs(c echo.Context) error {
	jobs, err := h.svc.List(c.Request().Context(), c.QueryParam("userId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "mapping job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) DeleteJob(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AnalyzeJob(c echo.Context) error {
	job, err := h.svc.Analyze(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) AddManualMapping(c echo.Context) error {
	var rule transform.Rule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.svc.AddManualMapping(c.Request().Context(), c.Param("id"), rule)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, job)
}

type approveRequest struct {
	Mappings []transform.Rule `json:"mappings"`
}

func (h *Handler) ApproveMappings(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.svc.ApproveMappings(c.Request().Context(), c.Param("id"), req.Mappings)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, job)
}

type predictRequest struct {
	SourceSchema map[string]string `json:"sourceSchema"`
}

type predictResponse struct {
	*ResourcePrediction
	KeyIndicators []string `json:"keyIndicators"`
}

func (h *Handler) PredictResource(c echo.Context) error {
	var req predictRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	source, err := schema.ParseSchema(req.SourceSchema)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pred := PredictResource(source)
	return c.JSON(http.StatusOK, predictResponse{
		ResourcePrediction: pred,
		KeyIndicators:      KeyIndicators(source, pred.ResourceType),
	})
}

type inferRequest struct {
	Rows []map[string]any `json:"rows"`
}

func (h *Handler) InferSchema(c echo.Context) error {
	var req inferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows must not be empty")
	}
	return c.JSON(http.StatusOK, schema.Infer(req.Rows))
}

func mapError(err error) error {
	var invalid *InvalidMappingError
	switch {
	case errors.Is(err, ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "mapping job not found")
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"code":     "INVALID_MAPPING",
			"problems": invalid.Problems,
		})
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
