package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"deploy-console/internal/metrics"
	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

var (
	ErrInvalidLicenseInput = errors.New("invalid license input")
	ErrLicenseNotFound     = errors.New("license not found")
	ErrLicenseConflict     = errors.New("license code already exists")
)

const (
	dateLayout = "2006-01-02"

	defaultEnforceAttempts       = 3
	defaultEnforceInitialBackoff = 500 * time.Millisecond
	failureSampleSize            = 3
	markEnforcedTimeout          = 10 * time.Second
)

// Enforcer pushes expiry enforcement for one server to the control plane.
type Enforcer interface {
	EnforceExpired(ctx context.Context, serverIP string) error
}

type LicenseServiceConfig struct {
	EnforceAttempts       int
	EnforceInitialBackoff time.Duration
}

type UpsertLicenseRequest struct {
	LicenseCode   string  `json:"license_code"`
	LicenseType   string  `json:"license_type"`
	LicensePeriod *string `json:"license_period"`
	ServerID      string  `json:"serverid"`
	Status        *string `json:"status"`
}

type LicenseDetails struct {
	LicenseCode   string              `json:"license_code"`
	LicenseType   *string             `json:"license_type"`
	LicensePeriod *string             `json:"license_period"`
	LicenseStatus model.LicenseStatus `json:"license_status"`
	StartDate     *string             `json:"start_date"`
	EndDate       *string             `json:"end_date"`
}

type EnforcementFailure struct {
	ServerIP string
	Attempts int
	Err      error
}

type SweepResult struct {
	Expired  int64
	Targets  int
	Enforced []string
	Failed   []EnforcementFailure
}

type LicenseService struct {
	repo     repository.LicenseRepository
	enforcer Enforcer
	logger   *zap.Logger

	attempts       int
	initialBackoff time.Duration
	now            func() time.Time

	sweeps singleflight.Group
	bg     sync.WaitGroup
}

func NewLicenseService(
	repo repository.LicenseRepository,
	enforcer Enforcer,
	cfg LicenseServiceConfig,
	logger *zap.Logger,
) *LicenseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.EnforceAttempts
	if attempts <= 0 {
		attempts = defaultEnforceAttempts
	}
	initial := cfg.EnforceInitialBackoff
	if initial <= 0 {
		initial = defaultEnforceInitialBackoff
	}

	return &LicenseService{
		repo:           repo,
		enforcer:       enforcer,
		logger:         logger,
		attempts:       attempts,
		initialBackoff: initial,
		now:            time.Now,
	}
}

// ComputeEndDate returns now plus period days as a date string. ok is false
// when period is not a non-negative integer.
func ComputeEndDate(now time.Time, period string) (string, bool) {
	days, err := strconv.Atoi(strings.TrimSpace(period))
	if err != nil || days < 0 {
		return "", false
	}
	return now.AddDate(0, 0, days).Format(dateLayout), true
}

// Activation computes the dates a license gets when it becomes active today.
// Perpetual licenses never get an end date or a period.
func Activation(now time.Time, license model.License) repository.LicenseActivation {
	today := truncateDay(now)
	out := repository.LicenseActivation{StartDate: &today}
	if license.IsPerpetual() {
		out.ClearPeriod = true
		return out
	}
	if license.LicensePeriod == nil {
		return out
	}
	day, ok := ComputeEndDate(today, *license.LicensePeriod)
	if !ok {
		return out
	}
	if end, err := time.Parse(dateLayout, day); err == nil {
		out.EndDate = &end
	}
	return out
}

func (s *LicenseService) CheckExists(ctx context.Context, code string) (*model.License, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, false, ErrInvalidLicenseInput
	}
	license, err := s.repo.FindByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return license, true, nil
}

// UpsertLicense creates a license for serverID. Perpetual types are always
// stored activated with no period and no end date.
func (s *LicenseService) UpsertLicense(ctx context.Context, req UpsertLicenseRequest) (*model.License, error) {
	code := strings.TrimSpace(req.LicenseCode)
	licenseType := strings.TrimSpace(req.LicenseType)
	serverID := strings.TrimSpace(req.ServerID)
	if code == "" || licenseType == "" || serverID == "" {
		return nil, ErrInvalidLicenseInput
	}

	status := model.LicenseStatusActivated
	if req.Status != nil && strings.TrimSpace(*req.Status) != "" {
		status = model.LicenseStatus(strings.ToLower(strings.TrimSpace(*req.Status)))
	}
	switch status {
	case model.LicenseStatusValidated, model.LicenseStatusActivated, model.LicenseStatusExpired:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidLicenseInput, status)
	}

	license := &model.License{
		LicenseCode:   code,
		LicenseType:   &licenseType,
		LicensePeriod: trimmedOrNil(req.LicensePeriod),
		LicenseStatus: status,
		ServerID:      &serverID,
	}
	if license.IsPerpetual() {
		license.LicensePeriod = nil
		license.LicenseStatus = model.LicenseStatusActivated
	}
	if license.LicenseStatus == model.LicenseStatusActivated {
		activation := Activation(s.now(), *license)
		license.StartDate = formatDay(activation.StartDate)
		license.EndDate = formatDay(activation.EndDate)
	}

	if err := s.repo.Insert(ctx, license); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrLicenseConflict
		}
		return nil, err
	}

	s.logger.Info("license stored",
		zap.String("license_code", license.LicenseCode),
		zap.String("server_id", serverID),
		zap.String("status", string(license.LicenseStatus)),
	)
	return license, nil
}

// GetDetails returns the newest license bound to serverID. Due licenses are
// expired first so the returned status is current; enforcement for them runs
// in the background.
func (s *LicenseService) GetDetails(ctx context.Context, serverID string) (*LicenseDetails, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return nil, ErrInvalidLicenseInput
	}

	if _, err := s.expireDue(ctx); err != nil {
		s.logger.Warn("expire due licenses before read failed", zap.Error(err))
	}
	s.TriggerSweep()

	license, err := s.repo.LatestByServerID(ctx, serverID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	return &LicenseDetails{
		LicenseCode:   license.LicenseCode,
		LicenseType:   license.LicenseType,
		LicensePeriod: license.LicensePeriod,
		LicenseStatus: license.LicenseStatus,
		StartDate:     license.StartDate,
		EndDate:       license.EndDate,
	}, nil
}

func (s *LicenseService) TriggerSweep() {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.SweepExpired(context.Background()); err != nil {
			s.logger.Warn("background license sweep failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background sweeps started by TriggerSweep return.
func (s *LicenseService) Wait() {
	s.bg.Wait()
}

// SweepExpired expires due licenses and pushes enforcement for every expired
// license that has not been enforced yet, once per server IP. Concurrent
// callers share one run.
func (s *LicenseService) SweepExpired(ctx context.Context) (*SweepResult, error) {
	v, err, _ := s.sweeps.Do("sweep", func() (any, error) {
		return s.sweep(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SweepResult), nil
}

func (s *LicenseService) sweep(ctx context.Context) (*SweepResult, error) {
	started := time.Now()
	defer func() {
		metrics.ObserveLicenseSweepDuration(time.Since(started))
	}()

	expired, err := s.expireDue(ctx)
	if err != nil {
		return nil, fmt.Errorf("expire due licenses: %w", err)
	}

	pending, err := s.repo.PendingEnforcement(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending enforcement: %w", err)
	}

	result := &SweepResult{Expired: expired}
	if len(pending) == 0 {
		return result, nil
	}

	ips, serversByIP := groupByServerIP(pending)
	result.Targets = len(ips)

	if s.enforcer == nil {
		s.logger.Warn("license enforcement skipped: no control plane configured", zap.Int("servers", len(ips)))
		return result, nil
	}

	outcomes := make([]enforcementOutcome, len(ips))
	var g errgroup.Group
	for i, ip := range ips {
		g.Go(func() error {
			outcomes[i] = s.enforceServer(ctx, ip, serversByIP[ip])
			return nil
		})
	}
	_ = g.Wait()

	var marked int64
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			metrics.IncEnforcement("failed")
			result.Failed = append(result.Failed, outcome.EnforcementFailure)
			continue
		}
		metrics.IncEnforcement("succeeded")
		result.Enforced = append(result.Enforced, outcome.ServerIP)
		marked += outcome.marked
	}
	if len(result.Enforced) > 0 {
		s.logger.Info("license enforcement applied",
			zap.Int("servers", len(result.Enforced)),
			zap.Int64("licenses", marked),
		)
	}

	if len(result.Failed) > 0 {
		s.logEnforcementFailures(result.Failed)
	}
	return result, nil
}

func (s *LicenseService) expireDue(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		metrics.AddLicensesExpired(expired)
		s.logger.Info("licenses expired", zap.Int64("count", expired))
	}
	return expired, nil
}

type enforcementOutcome struct {
	EnforcementFailure
	marked int64
}

// enforceServer enforces one IP and records the result for its servers as
// soon as the call succeeds. Recording outlives the sweep deadline.
func (s *LicenseService) enforceServer(ctx context.Context, ip string, serverIDs []string) enforcementOutcome {
	attempts, err := s.enforceWithRetry(ctx, ip)
	outcome := enforcementOutcome{EnforcementFailure: EnforcementFailure{ServerIP: ip, Attempts: attempts, Err: err}}
	if err != nil {
		return outcome
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markEnforcedTimeout)
	defer cancel()
	marked, err := s.repo.MarkEnforced(markCtx, serverIDs)
	if err != nil {
		s.logger.Error("mark licenses enforced failed",
			zap.String("server_ip", ip),
			zap.Strings("server_ids", serverIDs),
			zap.Error(err),
		)
	}
	outcome.marked = marked
	return outcome
}

func (s *LicenseService) enforceWithRetry(ctx context.Context, ip string) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return s.enforcer.EnforceExpired(ctx, ip)
	}
	retries := uint64(s.attempts - 1)
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	return attempts, err
}

func (s *LicenseService) logEnforcementFailures(failed []EnforcementFailure) {
	sample := failed
	if len(sample) > failureSampleSize {
		sample = sample[:failureSampleSize]
	}
	for _, f := range sample {
		s.logger.Warn("license enforcement failed",
			zap.String("server_ip", f.ServerIP),
			zap.Int("attempts", f.Attempts),
			zap.Error(f.Err),
		)
	}
	if rest := len(failed) - len(sample); rest > 0 {
		s.logger.Warn("license enforcement failed for more servers", zap.Int("remaining", rest))
	}
}

func groupByServerIP(pending []repository.ExpiredLicense) ([]string, map[string][]string) {
	ips := make([]string, 0, len(pending))
	servers := make(map[string][]string, len(pending))
	for _, item := range pending {
		ip := strings.TrimSpace(item.ServerIP)
		if ip == "" {
			continue
		}
		if _, ok := servers[ip]; !ok {
			ips = append(ips, ip)
		}
		servers[ip] = appendUnique(servers[ip], item.ServerID)
	}
	return ips, servers
}

func appendUnique(items []string, v string) []string {
	for _, item := range items {
		if item == v {
			return items
		}
	}
	return append(items, v)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func formatDay(t *time.Time) *string {
	if t == nil {
		return nil
	}
	out := t.Format(dateLayout)
	return &out
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
