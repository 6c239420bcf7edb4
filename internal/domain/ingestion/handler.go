package ingestion

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/interop/interop/internal/domain/recordstore"
	"github.com/interop/interop/pkg/pagination"
)

var validate = validator.New()

type Handler struct {
	sup   *Supervisor
	store recordstore.Store
}

func NewHandler(sup *Supervisor, store recordstore.Store) *Handler {
	return &Handler{sup: sup, store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ingestion/jobs", h.CreateJob)
	api.GET("/ingestion/jobs", h.ListJobs)
	api.GET("/ingestion/jobs/:id", h.GetJob)
	api.DELETE("/ingestion/jobs/:id", h.DeleteJob)
	api.POST("/ingestion/jobs/:id/start", h.StartJob)
	api.POST("/ingestion/jobs/:id/stop", h.StopJob)
	api.GET("/ingestion/jobs/:id/metrics", h.JobMetrics)
	api.GET("/ingestion/jobs/:id/dlq", h.ListDLQ)
}

func (h *Handler) CreateJob(c echo.Context) error {
	var cfg Config
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.sup.CreateJob(c.Request().Context(), cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, job)
}

func (h *Handler) ListJobs(c echo.Context) error {
	jobs, err := h.sup.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.sup.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) DeleteJob(c echo.Context) error {
	if err := h.sup.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "ingestion job not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) StartJob(c echo.Context) error {
	job, err := h.sup.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "ingestion job not found")
		}
		// Pre-flight failures return the ERROR job state with details.
		if job != nil {
			return c.JSON(http.StatusUnprocessableEntity, job)
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) StopJob(c echo.Context) error {
	job, err := h.sup.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) JobMetrics(c echo.Context) error {
	job, err := h.sup.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, job.Metrics)
}

func (h *Handler) ListDLQ(c echo.Context) error {
	jobID := c.Param("id")
	if _, err := h.sup.Get(c.Request().Context(), jobID); err != nil {
		return jobError(err)
	}
	params := pagination.FromContext(c)
	total, err := h.store.CountDLQ(c.Request().Context(), jobID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// The store lists from the head of the queue, so fetch through the end
	// of the requested page and slice off the preceding records.
	records, err := h.store.ListDLQ(c.Request().Context(), jobID, params.Offset+params.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if params.Offset < len(records) {
		records = records[params.Offset:]
	} else {
		records = records[:0]
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, int(total), params.Limit, params.Offset))
}

func jobError(err error) error {
	if errors.Is(err, ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "ingestion job not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
