package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"deploy-console/internal/api/response"
	"deploy-console/internal/service"
)

type UserHandler struct {
	userService *service.UserService
}

type storeUserIDRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func NewUserHandler(userService *service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

func RegisterUserRoutes(group *gin.RouterGroup, userService *service.UserService) {
	if userService == nil {
		return
	}

	handler := NewUserHandler(userService)
	group.POST("/store-user-id", handler.StoreUserID)
	group.GET("/check-password-status/:userId", handler.PasswordStatus)
	group.PUT("/users/:userId/password-updated", handler.MarkPasswordUpdated)
}

// StoreUserID
// @Summary Register a user id
// @Tags user
// @Accept json
// @Failure 400 {object} response.ErrorBody
// @Router /api/store-user-id [post]
func (h *UserHandler) StoreUserID(c *gin.Context) {
	var req storeUserIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "userId is required")
		return
	}

	if err := h.userService.StoreUserID(c.Request.Context(), req.UserID); err != nil {
		handleUserServiceError(c, err)
		return
	}
	response.Message(c, http.StatusOK, "user id stored")
}

// PasswordStatus
// @Summary Whether the user already rotated the default password
// @Tags user
// @Param userId path string true "user id"
// @Failure 404 {object} response.ErrorBody
// @Router /api/check-password-status/{userId} [get]
func (h *UserHandler) PasswordStatus(c *gin.Context) {
	updated, err := h.userService.PasswordUpdated(c.Request.Context(), c.Param("userId"))
	if err != nil {
		handleUserServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"updatePwdStatus": updated})
}

// MarkPasswordUpdated
// @Summary Record a completed password rotation
// @Tags user
// @Param userId path string true "user id"
// @Failure 404 {object} response.ErrorBody
// @Router /api/users/{userId}/password-updated [put]
func (h *UserHandler) MarkPasswordUpdated(c *gin.Context) {
	if err := h.userService.MarkPasswordUpdated(c.Request.Context(), c.Param("userId")); err != nil {
		handleUserServiceError(c, err)
		return
	}
	response.Message(c, http.StatusOK, "password status updated")
}

func handleUserServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidUserInput):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request")
	case errors.Is(err, service.ErrUserNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrUserNotFound, "user not found")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
