package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"deploy-console/internal/api/response"
	"deploy-console/internal/model"
	"deploy-console/internal/service"
)

type InventoryHandler struct {
	inventoryService *service.InventoryService
}

type checkCloudNameRequest struct {
	CloudName string `json:"cloudName" binding:"required"`
}

func NewInventoryHandler(inventoryService *service.InventoryService) *InventoryHandler {
	return &InventoryHandler{inventoryService: inventoryService}
}

func RegisterInventoryRoutes(group *gin.RouterGroup, inventoryService *service.InventoryService) {
	if inventoryService == nil {
		return
	}

	handler := NewInventoryHandler(inventoryService)
	group.GET("/dashboard-counts/:userId", handler.DashboardCounts)
	group.GET("/server-counts", handler.ServerCounts)
	group.GET("/deployed-servers", handler.DeployedServers)
	group.GET("/squadron-nodes", handler.SquadronNodes)
	group.GET("/cloud-deployments-summary", handler.CloudDeploymentsSummary)
	group.GET("/child-nodes", handler.ChildNodes)
	group.GET("/host-exists", handler.HostExists)
	group.GET("/first-host-serverid", handler.FirstHostServerID)
	group.POST("/check-cloud-name", handler.CheckCloudName)
}

// DashboardCounts
// @Summary Cloud, squadron and flight deck counts for a user
// @Tags inventory
// @Param userId path string true "user id"
// @Router /api/dashboard-counts/{userId} [get]
func (h *InventoryHandler) DashboardCounts(c *gin.Context) {
	counts, err := h.inventoryService.DashboardCounts(c.Request.Context(), c.Param("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, counts)
}

// ServerCounts probes every deployed server. A slow control plane delays the
// response up to the probe timeout.
func (h *InventoryHandler) ServerCounts(c *gin.Context) {
	counts, err := h.inventoryService.ServerCounts(c.Request.Context())
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, counts)
}

// DeployedServers
// @Summary List deployed servers
// @Tags inventory
// @Param userId query string false "owner"
// @Router /api/deployed-servers [get]
func (h *InventoryHandler) DeployedServers(c *gin.Context) {
	rows, err := h.inventoryService.DeployedServers(c.Request.Context(), c.Query("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, nonNilServers(rows))
}

// SquadronNodes
// @Summary List a user's non-host servers with their credential URLs
// @Tags inventory
// @Param userId query string true "owner"
// @Router /api/squadron-nodes [get]
func (h *InventoryHandler) SquadronNodes(c *gin.Context) {
	rows, err := h.inventoryService.SquadronNodes(c.Request.Context(), c.Query("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, rows)
}

// CloudDeploymentsSummary
// @Summary Per-cloud node counts and license state
// @Tags inventory
// @Param userId query string true "owner"
// @Router /api/cloud-deployments-summary [get]
func (h *InventoryHandler) CloudDeploymentsSummary(c *gin.Context) {
	rows, err := h.inventoryService.CloudDeploymentsSummary(c.Request.Context(), c.Query("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, rows)
}

func (h *InventoryHandler) ChildNodes(c *gin.Context) {
	rows, err := h.inventoryService.ChildNodes(c.Request.Context(), c.Query("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, nonNilServers(rows))
}

// HostExists
// @Summary Whether the user has a host in the inventory
// @Tags inventory
// @Param userId query string true "owner"
// @Failure 400 {object} response.ErrorBody
// @Router /api/host-exists [get]
func (h *InventoryHandler) HostExists(c *gin.Context) {
	exists, err := h.inventoryService.HostExists(c.Request.Context(), c.Query("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"exists": exists})
}

// FirstHostServerID
// @Summary Server id of the user's first host
// @Tags inventory
// @Param userId query string true "owner"
// @Router /api/first-host-serverid [get]
func (h *InventoryHandler) FirstHostServerID(c *gin.Context) {
	serverID, err := h.inventoryService.FirstHostServerID(c.Request.Context(), c.Query("userId"))
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"serverid": serverID})
}

// CheckCloudName
// @Summary Whether a cloud name is already used (case-insensitive)
// @Tags inventory
// @Accept json
// @Failure 400 {object} response.ErrorBody
// @Router /api/check-cloud-name [post]
func (h *InventoryHandler) CheckCloudName(c *gin.Context) {
	var req checkCloudNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "cloudName is required")
		return
	}

	exists, err := h.inventoryService.CloudNameExists(c.Request.Context(), req.CloudName)
	if err != nil {
		handleInventoryServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"exists": exists})
}

func nonNilServers(rows []*model.DeployedServer) []*model.DeployedServer {
	if rows == nil {
		return []*model.DeployedServer{}
	}
	return rows
}

func handleInventoryServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInventoryInput):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
