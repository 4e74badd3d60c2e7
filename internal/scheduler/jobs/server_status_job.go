package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"deploy-console/internal/service"
)

const defaultStatusRefreshTimeout = 2 * time.Minute

type ServerCounter interface {
	ServerCounts(ctx context.Context) (*service.ServerCounts, error)
}

// ServerStatusJob keeps the online/offline gauges current between dashboard
// reads.
type ServerStatusJob struct {
	counter ServerCounter
	logger  *zap.Logger
}

func NewServerStatusJob(counter ServerCounter, logger *zap.Logger) *ServerStatusJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerStatusJob{counter: counter, logger: logger}
}

func (j *ServerStatusJob) RefreshCounts() {
	if j == nil || j.counter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultStatusRefreshTimeout)
	defer cancel()

	counts, err := j.counter.ServerCounts(ctx)
	if err != nil {
		j.logger.Warn("server status refresh failed", zap.Error(err))
		return
	}
	j.logger.Debug("server status refreshed",
		zap.Int("total", counts.TotalCount),
		zap.Int("online", counts.OnlineCount),
		zap.Int("offline", counts.OfflineCount),
	)
}
