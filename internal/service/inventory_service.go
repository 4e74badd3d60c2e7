package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deploy-console/internal/metrics"
	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

var ErrInvalidInventoryInput = errors.New("invalid inventory input")

const defaultProbeConcurrency = 5

// StatusProber reports the liveness status of one server.
type StatusProber interface {
	CheckServerStatus(ctx context.Context, serverIP string) (string, error)
}

type ServerCounts struct {
	TotalCount   int `json:"total_count"`
	OnlineCount  int `json:"online_count"`
	OfflineCount int `json:"offline_count"`
}

type CloudCredentials struct {
	ServerIP  *string `json:"serverip"`
	ServerVIP *string `json:"server_vip"`
}

type CloudDeploymentSummary struct {
	SNo           int              `json:"sno"`
	CloudName     *string          `json:"cloudname"`
	NumberOfNodes int64            `json:"numberOfNodes"`
	Credentials   CloudCredentials `json:"credentials"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type SquadronNode struct {
	SNo           int       `json:"sno"`
	ServerID      string    `json:"serverid"`
	ServerIP      string    `json:"serverip"`
	Role          string    `json:"role"`
	LicenseCode   *string   `json:"licensecode"`
	CredentialURL string    `json:"credentialUrl"`
	VIP           *string   `json:"vip"`
	CreatedAt     time.Time `json:"createdAt"`
}

type InventoryService struct {
	servers     repository.DeployedServerRepository
	prober      StatusProber
	concurrency int
	logger      *zap.Logger
}

func NewInventoryService(
	servers repository.DeployedServerRepository,
	prober StatusProber,
	concurrency int,
	logger *zap.Logger,
) *InventoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}

	return &InventoryService{
		servers:     servers,
		prober:      prober,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (s *InventoryService) DashboardCounts(ctx context.Context, userID string) (repository.DashboardCounts, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return repository.DashboardCounts{}, ErrInvalidInventoryInput
	}
	return s.servers.DashboardCounts(ctx, userID)
}

// ServerCounts probes every known server IP with bounded concurrency. A probe
// that fails counts the server as offline.
func (s *InventoryService) ServerCounts(ctx context.Context) (*ServerCounts, error) {
	ips, err := s.servers.DistinctIPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load server ips: %w", err)
	}

	online := make([]bool, len(ips))
	if s.prober != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i, ip := range ips {
			g.Go(func() error {
				status, err := s.prober.CheckServerStatus(gctx, ip)
				if err != nil {
					s.logger.Debug("server status probe failed", zap.String("serverip", ip), zap.Error(err))
					return nil
				}
				online[i] = status == "online"
				return nil
			})
		}
		_ = g.Wait()
	}

	counts := &ServerCounts{TotalCount: len(ips)}
	for _, ok := range online {
		if ok {
			counts.OnlineCount++
		} else {
			counts.OfflineCount++
		}
	}
	metrics.SetServerCounts(counts.OnlineCount, counts.OfflineCount)
	return counts, nil
}

func (s *InventoryService) CloudDeploymentsSummary(ctx context.Context, userID string) ([]CloudDeploymentSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []CloudDeploymentSummary{}, nil
	}

	rows, err := s.servers.CloudSummaries(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]CloudDeploymentSummary, 0, len(rows))
	for i, row := range rows {
		out = append(out, CloudDeploymentSummary{
			SNo:           i + 1,
			CloudName:     row.CloudName,
			NumberOfNodes: row.NodeCount,
			Credentials: CloudCredentials{
				ServerIP:  row.ServerIP,
				ServerVIP: row.ServerVIP,
			},
			CreatedAt: row.FirstDeployed,
		})
	}
	return out, nil
}

func (s *InventoryService) SquadronNodes(ctx context.Context, userID string) ([]SquadronNode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []SquadronNode{}, nil
	}

	rows, err := s.servers.ListSquadron(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]SquadronNode, 0, len(rows))
	for i, row := range rows {
		out = append(out, SquadronNode{
			SNo:           i + 1,
			ServerID:      row.ServerID,
			ServerIP:      row.ServerIP,
			Role:          row.Role,
			LicenseCode:   row.LicenseCode,
			CredentialURL: "https://" + row.ServerIP + "/",
			VIP:           row.ServerVIP,
			CreatedAt:     row.Datetime,
		})
	}
	return out, nil
}

func (s *InventoryService) DeployedServers(ctx context.Context, userID string) ([]*model.DeployedServer, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return s.servers.List(ctx, nil)
	}
	return s.servers.List(ctx, &userID)
}

func (s *InventoryService) ChildNodes(ctx context.Context, userID string) ([]*model.DeployedServer, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return s.servers.ListChildren(ctx, nil)
	}
	return s.servers.ListChildren(ctx, &userID)
}

func (s *InventoryService) HostExists(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidInventoryInput
	}
	return s.servers.HostExists(ctx, userID)
}

func (s *InventoryService) FirstHostServerID(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidInventoryInput
	}
	serverID, err := s.servers.FirstHostServerID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	return serverID, err
}

func (s *InventoryService) CloudNameExists(ctx context.Context, cloudName string) (bool, error) {
	cloudName = strings.TrimSpace(cloudName)
	if cloudName == "" {
		return false, ErrInvalidInventoryInput
	}
	return s.servers.CloudNameExists(ctx, cloudName)
}
