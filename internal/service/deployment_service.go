package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"deploy-console/internal/metrics"
	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

var (
	ErrInvalidDeploymentInput = errors.New("invalid deployment input")
	ErrDeploymentNotFound     = errors.New("deployment not found")
)

const (
	serverIDAlphabet = "ABCDEVSR0123456789abcdefgzkh"
	serverIDLength   = 6

	hostServerIDPrefix  = "FD-"
	batchServerIDPrefix = "SQDN-"
)

// RoleList accepts either a single role or a list of roles and stores them
// comma separated.
type RoleList string

func (r *RoleList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ""
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = RoleList(strings.TrimSpace(single))
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("role must be a string or a list of strings: %w", err)
	}
	parts := make([]string, 0, len(many))
	for _, item := range many {
		if item = strings.TrimSpace(item); item != "" {
			parts = append(parts, item)
		}
	}
	*r = RoleList(strings.Join(parts, ","))
	return nil
}

func (r RoleList) ptr() *string {
	if r == "" {
		return nil
	}
	out := string(r)
	return &out
}

type LicenseAttachment struct {
	LicenseCode   *string `json:"license_code"`
	LicenseType   *string `json:"license_type"`
	LicensePeriod *string `json:"license_period"`
}

func (a LicenseAttachment) toLicense() *model.License {
	code := trimmedOrNil(a.LicenseCode)
	if code == nil {
		return nil
	}
	license := &model.License{
		LicenseCode:   *code,
		LicenseType:   trimmedOrNil(a.LicenseType),
		LicensePeriod: trimmedOrNil(a.LicensePeriod),
		LicenseStatus: model.LicenseStatusValidated,
	}
	if license.IsPerpetual() {
		license.LicensePeriod = nil
	}
	return license
}

type CreateHostDeploymentRequest struct {
	UserID    string   `json:"user_id" validate:"required"`
	Username  string   `json:"username" validate:"required"`
	CloudName string   `json:"cloudname" validate:"required"`
	ServerIP  string   `json:"serverip" validate:"required"`
	VIP       *string  `json:"vip"`
	Role      RoleList `json:"role"`
	model.NetworkConfig
	LicenseAttachment
}

type NodeSpec struct {
	ServerIP  string   `json:"serverip" validate:"required"`
	ServerVIP *string  `json:"server_vip"`
	CloudName *string  `json:"cloudname"`
	Role      RoleList `json:"role"`
	model.NetworkConfig
	LicenseAttachment
}

type CreateBatchRequest struct {
	Nodes     []NodeSpec `json:"nodes" validate:"required,min=1,dive"`
	UserID    string     `json:"user_id" validate:"required"`
	Username  string     `json:"username" validate:"required"`
	CloudName *string    `json:"cloudname"`
}

type HostDeploymentResult struct {
	ServerID string `json:"serverid"`
	Existing bool   `json:"existing"`
}

type CreatedNode struct {
	ServerID string `json:"serverid"`
	ServerIP string `json:"serverip"`
}

type FinalizeRequest struct {
	Role       RoleList `json:"role"`
	ServerType string   `json:"server_type"`
	model.NetworkConfig
}

type FinalizeResult struct {
	Created  bool `json:"created"`
	Warnings int  `json:"warnings"`
}

type DeploymentService struct {
	logs     repository.DeploymentLogRepository
	servers  repository.DeployedServerRepository
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	newID    func(deploymentType model.DeploymentType) (string, error)
}

func NewDeploymentService(
	logs repository.DeploymentLogRepository,
	servers repository.DeployedServerRepository,
	logger *zap.Logger,
) *DeploymentService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeploymentService{
		logs:     logs,
		servers:  servers,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
		newID:    NewServerID,
	}
}

// NewServerID generates the identifier for a new activity log row: FD- for
// hosts, SQDN- for batch-created nodes and a plain random id otherwise.
func NewServerID(deploymentType model.DeploymentType) (string, error) {
	switch deploymentType {
	case model.DeploymentTypeHost:
		code, err := gonanoid.Generate(serverIDAlphabet, serverIDLength)
		if err != nil {
			return "", err
		}
		return hostServerIDPrefix + code, nil
	case model.DeploymentTypePrimary, model.DeploymentTypeSecondary:
		code, err := gonanoid.Generate(serverIDAlphabet, serverIDLength)
		if err != nil {
			return "", err
		}
		return batchServerIDPrefix + code, nil
	default:
		return gonanoid.New()
	}
}

// CreateHostDeployment records a host in progress. A progress row that
// already exists for the same user, cloud and IP is returned instead.
func (s *DeploymentService) CreateHostDeployment(ctx context.Context, req CreateHostDeploymentRequest) (*HostDeploymentResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Username = strings.TrimSpace(req.Username)
	req.CloudName = strings.TrimSpace(req.CloudName)
	req.ServerIP = strings.TrimSpace(req.ServerIP)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeploymentInput, err)
	}

	serverID, err := s.newID(model.DeploymentTypeHost)
	if err != nil {
		return nil, fmt.Errorf("generate server id: %w", err)
	}

	entry := repository.DeploymentLogEntry{
		Log: &model.DeploymentLog{
			ServerID:      serverID,
			UserID:        req.UserID,
			Username:      &req.Username,
			CloudName:     &req.CloudName,
			ServerIP:      req.ServerIP,
			Status:        model.DeploymentStatusProgress,
			Type:          model.DeploymentTypeHost,
			Role:          req.Role.ptr(),
			ServerVIP:     trimmedOrNil(req.VIP),
			NetworkConfig: req.NetworkConfig,
		},
		License: req.LicenseAttachment.toLicense(),
	}

	log, created, err := s.logs.CreateIfNoneInProgress(ctx, entry)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("host deployment started",
			zap.String("serverid", log.ServerID),
			zap.String("user_id", log.UserID),
			zap.String("serverip", log.ServerIP),
		)
	}

	return &HostDeploymentResult{ServerID: log.ServerID, Existing: !created}, nil
}

func (s *DeploymentService) CreatePrimaryDeploymentBatch(ctx context.Context, req CreateBatchRequest) ([]CreatedNode, error) {
	if err := s.validateBatch(&req); err != nil {
		return nil, err
	}

	entries := make([]repository.DeploymentLogEntry, 0, len(req.Nodes))
	for _, node := range req.Nodes {
		cloudName := trimmedOrNil(req.CloudName)
		if own := trimmedOrNil(node.CloudName); own != nil {
			cloudName = own
		}
		entry, err := s.batchEntry(req, node, model.DeploymentTypePrimary, cloudName, trimmedOrNil(node.ServerVIP))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return s.createBatch(ctx, entries)
}

// CreateChildDeploymentBatch records secondary nodes in progress. VIP and
// cloud name are copied from the user's earliest deployed server unless the
// node carries its own.
func (s *DeploymentService) CreateChildDeploymentBatch(ctx context.Context, req CreateBatchRequest) ([]CreatedNode, error) {
	if err := s.validateBatch(&req); err != nil {
		return nil, err
	}

	var representative *model.DeployedServer
	if s.servers != nil {
		earliest, err := s.servers.EarliestByUser(ctx, req.UserID)
		switch {
		case err == nil:
			representative = earliest
		case errors.Is(err, repository.ErrNotFound):
		default:
			return nil, fmt.Errorf("load representative server: %w", err)
		}
	}

	entries := make([]repository.DeploymentLogEntry, 0, len(req.Nodes))
	for _, node := range req.Nodes {
		var cloudName, vip *string
		if representative != nil {
			cloudName = representative.CloudName
			vip = representative.ServerVIP
		}
		if own := trimmedOrNil(node.CloudName); own != nil {
			cloudName = own
		} else if cloudName == nil {
			cloudName = trimmedOrNil(req.CloudName)
		}
		if own := trimmedOrNil(node.ServerVIP); own != nil {
			vip = own
		}
		entry, err := s.batchEntry(req, node, model.DeploymentTypeSecondary, cloudName, vip)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return s.createBatch(ctx, entries)
}

func (s *DeploymentService) UpdateStatus(ctx context.Context, serverID string, status string) (model.DeploymentStatus, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return "", ErrInvalidDeploymentInput
	}
	next := model.DeploymentStatus(strings.TrimSpace(status))
	if next == "" {
		next = model.DeploymentStatusCompleted
	}

	if err := s.logs.UpdateStatus(ctx, serverID, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrDeploymentNotFound
		}
		return "", err
	}
	return next, nil
}

// FinalizeDeployment moves a deployment into the inventory. defaultRole is
// used when neither the request nor the log row names a role.
func (s *DeploymentService) FinalizeDeployment(ctx context.Context, serverID string, req FinalizeRequest, defaultRole string) (*FinalizeResult, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return nil, ErrInvalidDeploymentInput
	}
	if defaultRole == "" {
		defaultRole = "child"
		if strings.EqualFold(strings.TrimSpace(req.ServerType), string(model.DeploymentTypeHost)) {
			defaultRole = string(model.DeploymentTypeHost)
		}
	}

	params := repository.FinalizeParams{
		Role:        req.Role.ptr(),
		DefaultRole: defaultRole,
		Network:     req.NetworkConfig,
		ActivateLicense: func(license model.License) repository.LicenseActivation {
			return Activation(s.now(), license)
		},
	}

	outcome, err := s.logs.Finalize(ctx, serverID, params)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeploymentNotFound
		}
		s.logger.Error("finalize deployment failed", zap.String("serverid", serverID), zap.Error(err))
		return nil, err
	}

	for _, warning := range outcome.Warnings {
		s.logger.Warn("finalize step failed", zap.String("serverid", serverID), zap.Error(warning))
	}
	metrics.AddFinalizeWarnings(len(outcome.Warnings))
	metrics.IncDeploymentFinalized(string(outcome.Log.Type))

	fields := []zap.Field{
		zap.String("serverid", serverID),
		zap.String("role", outcome.Server.Role),
		zap.Bool("created", outcome.ServerCreated),
		zap.Bool("license_activated", outcome.LicenseActivated),
	}
	if outcome.LicenseCode != nil {
		fields = append(fields, zap.String("license_code", *outcome.LicenseCode))
	}
	s.logger.Info("deployment finalized", fields...)

	return &FinalizeResult{Created: outcome.ServerCreated, Warnings: len(outcome.Warnings)}, nil
}

func (s *DeploymentService) ListPending(ctx context.Context, filter repository.DeploymentLogFilter) ([]*model.DeploymentLog, error) {
	if filter.Status == nil {
		status := model.DeploymentStatusProgress
		filter.Status = &status
	}
	return s.logs.List(ctx, filter)
}

func (s *DeploymentService) LatestInProgress(ctx context.Context, userID string, deploymentType model.DeploymentType) (*model.DeploymentLog, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidDeploymentInput
	}
	if deploymentType == "" {
		deploymentType = model.DeploymentTypeHost
	}

	log, err := s.logs.LatestInProgress(ctx, userID, deploymentType)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (s *DeploymentService) validateBatch(req *CreateBatchRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Username = strings.TrimSpace(req.Username)
	for i := range req.Nodes {
		req.Nodes[i].ServerIP = strings.TrimSpace(req.Nodes[i].ServerIP)
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDeploymentInput, err)
	}
	return nil
}

func (s *DeploymentService) batchEntry(req CreateBatchRequest, node NodeSpec, deploymentType model.DeploymentType, cloudName, vip *string) (repository.DeploymentLogEntry, error) {
	serverID, err := s.newID(deploymentType)
	if err != nil {
		return repository.DeploymentLogEntry{}, fmt.Errorf("generate server id: %w", err)
	}
	username := req.Username

	return repository.DeploymentLogEntry{
		Log: &model.DeploymentLog{
			ServerID:      serverID,
			UserID:        req.UserID,
			Username:      &username,
			CloudName:     cloudName,
			ServerIP:      node.ServerIP,
			Status:        model.DeploymentStatusProgress,
			Type:          deploymentType,
			Role:          node.Role.ptr(),
			ServerVIP:     vip,
			NetworkConfig: node.NetworkConfig,
		},
		License: node.LicenseAttachment.toLicense(),
	}, nil
}

func (s *DeploymentService) createBatch(ctx context.Context, entries []repository.DeploymentLogEntry) ([]CreatedNode, error) {
	if err := s.logs.CreateBatch(ctx, entries); err != nil {
		return nil, err
	}

	nodes := make([]CreatedNode, 0, len(entries))
	for _, entry := range entries {
		nodes = append(nodes, CreatedNode{ServerID: entry.Log.ServerID, ServerIP: entry.Log.ServerIP})
	}
	s.logger.Info("deployment batch recorded",
		zap.String("type", string(entries[0].Log.Type)),
		zap.Int("nodes", len(nodes)),
	)
	return nodes, nil
}
