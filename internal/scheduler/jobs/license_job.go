package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"deploy-console/internal/service"
)

const defaultSweepTimeout = 5 * time.Minute

type LicenseSweeper interface {
	SweepExpired(ctx context.Context) (*service.SweepResult, error)
}

type LicenseJob struct {
	sweeper LicenseSweeper
	timeout time.Duration
	logger  *zap.Logger
}

func NewLicenseJob(sweeper LicenseSweeper, timeout time.Duration, logger *zap.Logger) *LicenseJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultSweepTimeout
	}

	return &LicenseJob{
		sweeper: sweeper,
		timeout: timeout,
		logger:  logger,
	}
}

func (j *LicenseJob) SweepExpired() {
	if j == nil || j.sweeper == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Warn("license sweep failed", zap.Error(err))
		return
	}
	if result.Expired == 0 && result.Targets == 0 {
		return
	}
	j.logger.Info("license sweep completed",
		zap.Int64("expired", result.Expired),
		zap.Int("targets", result.Targets),
		zap.Int("enforced", len(result.Enforced)),
		zap.Int("failed", len(result.Failed)),
	)
}
