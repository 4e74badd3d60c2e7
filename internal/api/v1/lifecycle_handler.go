package v1

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"deploy-console/internal/api/response"
	"deploy-console/internal/model"
	"deploy-console/internal/service"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type LifecycleHandler struct {
	lifecycleService *service.LifecycleService
}

func NewLifecycleHandler(lifecycleService *service.LifecycleService) *LifecycleHandler {
	return &LifecycleHandler{lifecycleService: lifecycleService}
}

func RegisterLifecycleRoutes(group *gin.RouterGroup, lifecycleService *service.LifecycleService) {
	if lifecycleService == nil {
		return
	}

	handler := NewLifecycleHandler(lifecycleService)
	history := group.Group("/lifecycle-history")
	history.POST("", handler.Store)
	history.GET("", handler.List)
	history.GET("/:id/log", handler.DownloadLog)
}

// Store
// @Summary Store or replace a lifecycle history entry
// @Tags lifecycle
// @Accept json
// @Produce json
// @Success 201 {object} model.LifecycleHistoryEntry
// @Failure 400 {object} response.ErrorBody
// @Router /api/lifecycle-history [post]
func (h *LifecycleHandler) Store(c *gin.Context) {
	var req service.StoreLifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request body")
		return
	}

	entry, err := h.lifecycleService.Store(c.Request.Context(), req)
	if err != nil {
		handleLifecycleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// List omits the log bodies; each row reports has_log instead.
func (h *LifecycleHandler) List(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = c.Query("user_id")
	}

	rows, err := h.lifecycleService.List(c.Request.Context(), userID)
	if err != nil {
		handleLifecycleServiceError(c, err)
		return
	}
	if rows == nil {
		rows = []*model.LifecycleHistoryEntry{}
	}
	response.Success(c, rows)
}

// DownloadLog
// @Summary Download the log attached to a lifecycle entry
// @Tags lifecycle
// @Produce plain
// @Param id path string true "entry id"
// @Failure 404 {object} response.ErrorBody
// @Router /api/lifecycle-history/{id}/log [get]
func (h *LifecycleHandler) DownloadLog(c *gin.Context) {
	entry, err := h.lifecycleService.GetLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleLifecycleServiceError(c, err)
		return
	}

	filename := unsafeFilenameChars.ReplaceAllString(entry.ID, "_") + ".log"
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(*entry.Log))
}

func handleLifecycleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidLifecycleInput):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, err.Error())
	case errors.Is(err, service.ErrLifecycleNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrLifecycleNotFound, "log not found")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
