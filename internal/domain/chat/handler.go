package chat

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/interop/interop/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/chat/conversations", h.StartConversation)
	api.GET("/chat/conversations", h.ListConversations)
	api.GET("/chat/conversations/:id", h.GetConversation)
	api.DELETE("/chat/conversations/:id", h.DeleteConversation)
	api.GET("/chat/conversations/:id/messages", h.ListMessages)
	api.POST("/chat/conversations/:id/messages", h.SendMessage)
}

type startRequest struct {
	Title string `json:"title"`
}

func (h *Handler) StartConversation(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conv, err := h.svc.StartConversation(c.Request().Context(), middleware.UserID(c), req.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, conv)
}

func (h *Handler) ListConversations(c echo.Context) error {
	convs, err := h.svc.ListConversations(c.Request().Context(), middleware.UserID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, convs)
}

func (h *Handler) GetConversation(c echo.Context) error {
	conv, err := h.svc.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(c echo.Context) error {
	if err := h.svc.DeleteConversation(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListMessages(c echo.Context) error {
	msgs, err := h.svc.Messages(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *Handler) SendMessage(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msgs, err := h.svc.SendMessage(c.Request().Context(), c.Param("id"), req.Content)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, msgs)
}
