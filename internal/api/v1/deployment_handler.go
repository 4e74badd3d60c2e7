package v1

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"deploy-console/internal/api/response"
	"deploy-console/internal/model"
	"deploy-console/internal/repository"
	"deploy-console/internal/service"
)

type DeploymentHandler struct {
	deploymentService *service.DeploymentService
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type latestInProgressResponse struct {
	InProgress bool                 `json:"inProgress"`
	Log        *model.DeploymentLog `json:"log"`
}

type createdNodesResponse struct {
	Message string                `json:"message"`
	Nodes   []service.CreatedNode `json:"nodes"`
}

type batchCreateFunc func(ctx context.Context, req service.CreateBatchRequest) ([]service.CreatedNode, error)

func NewDeploymentHandler(deploymentService *service.DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{deploymentService: deploymentService}
}

func RegisterDeploymentRoutes(group *gin.RouterGroup, deploymentService *service.DeploymentService) {
	if deploymentService == nil {
		return
	}

	handler := NewDeploymentHandler(deploymentService)

	group.POST("/deployment-activity-log", handler.CreateHostDeployment)
	group.PATCH("/deployment-activity-log/:serverid", handler.UpdateStatus)
	group.GET("/deployment-activity-log/latest-in-progress/:user_id", handler.LatestHostInProgress)
	group.POST("/finalize-deployment/:serverid", handler.FinalizeHost)

	group.POST("/node-deployment-activity-log", handler.CreatePrimaryBatch)
	group.PATCH("/node-deployment-activity-log/:serverid", handler.UpdateStatus)
	group.POST("/finalize-node-deployment/:serverid", handler.FinalizeNode)
	group.GET("/pending-node-deployments", handler.PendingNodes)

	group.POST("/child-deployment-activity-log", handler.CreateChildBatch)
	group.PATCH("/child-deployment-activity-log/:serverid", handler.UpdateStatus)
	group.GET("/child-deployment-activity-log/latest-in-progress/:user_id", handler.LatestChildInProgress)
	group.POST("/finalize-child-deployment/:serverid", handler.FinalizeChild)
	group.GET("/pending-child-deployments", handler.PendingChildren)
}

// CreateHostDeployment
// @Summary Record a host deployment
// @Description Creates a progress row for the host, or returns the progress row that already exists for the same user, cloud and IP.
// @Tags deployment
// @Accept json
// @Produce json
// @Success 200 {object} service.HostDeploymentResult
// @Failure 400 {object} response.ErrorBody
// @Failure 500 {object} response.ErrorBody
// @Router /api/deployment-activity-log [post]
func (h *DeploymentHandler) CreateHostDeployment(c *gin.Context) {
	var req service.CreateHostDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request body")
		return
	}

	result, err := h.deploymentService.CreateHostDeployment(c.Request.Context(), req)
	if err != nil {
		handleDeploymentServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// CreatePrimaryBatch
// @Summary Record primary node deployments
// @Description All nodes are validated before any row is written; the batch is stored atomically.
// @Tags deployment
// @Accept json
// @Produce json
// @Success 200 {object} createdNodesResponse
// @Failure 400 {object} response.ErrorBody
// @Failure 500 {object} response.ErrorBody
// @Router /api/node-deployment-activity-log [post]
func (h *DeploymentHandler) CreatePrimaryBatch(c *gin.Context) {
	h.createBatch(c, h.deploymentService.CreatePrimaryDeploymentBatch)
}

// CreateChildBatch
// @Summary Record secondary node deployments
// @Tags deployment
// @Accept json
// @Produce json
// @Success 200 {object} createdNodesResponse
// @Failure 400 {object} response.ErrorBody
// @Router /api/child-deployment-activity-log [post]
func (h *DeploymentHandler) CreateChildBatch(c *gin.Context) {
	h.createBatch(c, h.deploymentService.CreateChildDeploymentBatch)
}

func (h *DeploymentHandler) createBatch(c *gin.Context, create batchCreateFunc) {
	var req service.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request body")
		return
	}

	nodes, err := create(c.Request.Context(), req)
	if err != nil {
		handleDeploymentServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, createdNodesResponse{
		Message: "deployment activity logged",
		Nodes:   nodes,
	})
}

// UpdateStatus serves the PATCH endpoints of every deployment kind. An empty
// body means the deployment completed.
func (h *DeploymentHandler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request body")
		return
	}

	status, err := h.deploymentService.UpdateStatus(c.Request.Context(), c.Param("serverid"), req.Status)
	if err != nil {
		handleDeploymentServiceError(c, err)
		return
	}

	response.Message(c, http.StatusOK, "status updated to "+string(status))
}

// FinalizeHost
// @Summary Move a host deployment into the inventory
// @Tags deployment
// @Produce json
// @Param serverid path string true "server id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} response.ErrorBody
// @Router /api/finalize-deployment/{serverid} [post]
func (h *DeploymentHandler) FinalizeHost(c *gin.Context) {
	h.finalize(c, "")
}

// FinalizeNode
// @Summary Move a primary node deployment into the inventory
// @Tags deployment
// @Param serverid path string true "server id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} response.ErrorBody
// @Router /api/finalize-node-deployment/{serverid} [post]
func (h *DeploymentHandler) FinalizeNode(c *gin.Context) {
	h.finalize(c, "")
}

// FinalizeChild
// @Summary Move a secondary node deployment into the inventory
// @Description The role defaults to child when neither the request nor the log names one.
// @Tags deployment
// @Param serverid path string true "server id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} response.ErrorBody
// @Router /api/finalize-child-deployment/{serverid} [post]
func (h *DeploymentHandler) FinalizeChild(c *gin.Context) {
	h.finalize(c, "child")
}

func (h *DeploymentHandler) finalize(c *gin.Context, defaultRole string) {
	var req service.FinalizeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid request body")
		return
	}

	result, err := h.deploymentService.FinalizeDeployment(c.Request.Context(), c.Param("serverid"), req, defaultRole)
	if err != nil {
		handleDeploymentServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "deployment finalized",
		"created":  result.Created,
		"warnings": result.Warnings,
	})
}

// PendingNodes
// @Summary List primary deployments by status
// @Tags deployment
// @Produce json
// @Param status query string false "filter by status"
// @Param user_id query string false "owner"
// @Router /api/pending-node-deployments [get]
func (h *DeploymentHandler) PendingNodes(c *gin.Context) {
	h.pending(c, model.DeploymentTypePrimary)
}

func (h *DeploymentHandler) PendingChildren(c *gin.Context) {
	h.pending(c, model.DeploymentTypeSecondary)
}

func (h *DeploymentHandler) pending(c *gin.Context, fallbackType model.DeploymentType) {
	filter := repository.DeploymentLogFilter{}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := model.DeploymentStatus(raw)
		filter.Status = &status
	}
	deploymentType := fallbackType
	if raw := strings.TrimSpace(c.Query("type")); raw != "" {
		deploymentType = model.DeploymentType(raw)
	}
	filter.Type = &deploymentType
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" {
		filter.UserID = &raw
	}
	if raw := strings.TrimSpace(c.Query("cloudname")); raw != "" {
		filter.CloudName = &raw
	}

	rows, err := h.deploymentService.ListPending(c.Request.Context(), filter)
	if err != nil {
		handleDeploymentServiceError(c, err)
		return
	}
	if rows == nil {
		rows = []*model.DeploymentLog{}
	}
	response.Success(c, rows)
}

// LatestHostInProgress
// @Summary Latest in-progress deployment of a user
// @Tags deployment
// @Param user_id path string true "user id"
// @Param type query string false "deployment type, host by default"
// @Router /api/deployment-activity-log/latest-in-progress/{user_id} [get]
func (h *DeploymentHandler) LatestHostInProgress(c *gin.Context) {
	deploymentType := model.DeploymentType(strings.TrimSpace(c.Query("type")))
	h.latestInProgress(c, deploymentType)
}

func (h *DeploymentHandler) LatestChildInProgress(c *gin.Context) {
	h.latestInProgress(c, model.DeploymentTypeSecondary)
}

func (h *DeploymentHandler) latestInProgress(c *gin.Context, deploymentType model.DeploymentType) {
	log, err := h.deploymentService.LatestInProgress(c.Request.Context(), c.Param("user_id"), deploymentType)
	if err != nil {
		handleDeploymentServiceError(c, err)
		return
	}

	response.Success(c, latestInProgressResponse{InProgress: log != nil, Log: log})
}

// bindOptionalJSON decodes the body into dst and treats an empty body as an
// empty object.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	err := c.ShouldBindJSON(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func handleDeploymentServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDeploymentInput):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, err.Error())
	case errors.Is(err, service.ErrDeploymentNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrDeploymentNotFound, "deployment not found")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
