package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"deploy-console/internal/api/response"
	"deploy-console/internal/model"
	"deploy-console/internal/service"
)

type LicenseHandler struct {
	licenseService *service.LicenseService
}

type checkLicenseRequest struct {
	LicenseCode string `json:"license_code" binding:"required"`
}

type checkLicenseResponse struct {
	Exists  bool           `json:"exists"`
	Message string         `json:"message"`
	License *model.License `json:"license,omitempty"`
}

type updateLicenseRequest struct {
	LicenseCode   string  `json:"license_code" binding:"required"`
	LicenseType   string  `json:"license_type" binding:"required"`
	LicensePeriod *string `json:"license_period"`
	Status        *string `json:"status"`
}

func NewLicenseHandler(licenseService *service.LicenseService) *LicenseHandler {
	return &LicenseHandler{licenseService: licenseService}
}

func RegisterLicenseRoutes(group *gin.RouterGroup, licenseService *service.LicenseService) {
	if licenseService == nil {
		return
	}

	handler := NewLicenseHandler(licenseService)
	group.POST("/check-license-exists", handler.CheckExists)
	group.GET("/license-details/:serverid", handler.Details)
	group.PUT("/update-license/:serverid", handler.Update)
}

// CheckExists
// @Summary Check whether a license code is taken
// @Tags license
// @Accept json
// @Produce json
// @Success 200 {object} checkLicenseResponse
// @Failure 400 {object} response.ErrorBody
// @Router /api/check-license-exists [post]
func (h *LicenseHandler) CheckExists(c *gin.Context) {
	var req checkLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "license_code is required")
		return
	}

	license, exists, err := h.licenseService.CheckExists(c.Request.Context(), req.LicenseCode)
	if err != nil {
		handleLicenseServiceError(c, err)
		return
	}

	resp := checkLicenseResponse{Exists: exists, License: license}
	if exists {
		resp.Message = "license code already exists"
	} else {
		resp.Message = "license code is available"
	}
	response.Success(c, resp)
}

// Details expires due licenses before reading, so the returned status is
// never stale.
func (h *LicenseHandler) Details(c *gin.Context) {
	details, err := h.licenseService.GetDetails(c.Request.Context(), c.Param("serverid"))
	if err != nil {
		handleLicenseServiceError(c, err)
		return
	}
	response.Success(c, details)
}

// Update
// @Summary Create a license for a server
// @Description Perpetual licenses are stored activated with no period and no end date.
// @Tags license
// @Accept json
// @Produce json
// @Param serverid path string true "server id"
// @Failure 400 {object} response.ErrorBody
// @Failure 409 {object} response.ErrorBody
// @Router /api/update-license/{serverid} [put]
func (h *LicenseHandler) Update(c *gin.Context) {
	var req updateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "license_code and license_type are required")
		return
	}

	license, err := h.licenseService.UpsertLicense(c.Request.Context(), service.UpsertLicenseRequest{
		LicenseCode:   req.LicenseCode,
		LicenseType:   req.LicenseType,
		LicensePeriod: req.LicensePeriod,
		ServerID:      c.Param("serverid"),
		Status:        req.Status,
	})
	if err != nil {
		handleLicenseServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "license updated",
		"license": license,
	})
}

func handleLicenseServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidLicenseInput):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, err.Error())
	case errors.Is(err, service.ErrLicenseNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrLicenseNotFound, "license not found")
	case errors.Is(err, service.ErrLicenseConflict):
		response.Fail(c, http.StatusConflict, response.ErrLicenseConflict, "license code already exists")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
