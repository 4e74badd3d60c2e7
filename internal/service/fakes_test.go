package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

type fakeDeploymentLogRepo struct {
	mu       sync.Mutex
	logs     map[string]*model.DeploymentLog
	licenses map[string]*model.License
	servers  map[string]*model.DeployedServer
	nextID   int64
	failOn   string
}

func newFakeDeploymentLogRepo() *fakeDeploymentLogRepo {
	return &fakeDeploymentLogRepo{
		logs:     make(map[string]*model.DeploymentLog),
		licenses: make(map[string]*model.License),
		servers:  make(map[string]*model.DeployedServer),
	}
}

func (r *fakeDeploymentLogRepo) CreateIfNoneInProgress(_ context.Context, entry repository.DeploymentLogEntry) (*model.DeploymentLog, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, log := range r.logs {
		if log.UserID == entry.Log.UserID &&
			log.Status == model.DeploymentStatusProgress &&
			strVal(log.CloudName) == strVal(entry.Log.CloudName) &&
			log.ServerIP == entry.Log.ServerIP {
			copied := *log
			return &copied, false, nil
		}
	}
	if err := r.insertLocked(entry); err != nil {
		return nil, false, err
	}
	return entry.Log, true, nil
}

func (r *fakeDeploymentLogRepo) CreateBatch(_ context.Context, entries []repository.DeploymentLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		if entry.Log.ServerIP == r.failOn {
			return errors.New("insert failed")
		}
	}
	for _, entry := range entries {
		if err := r.insertLocked(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeDeploymentLogRepo) insertLocked(entry repository.DeploymentLogEntry) error {
	if _, exists := r.logs[entry.Log.ServerID]; exists {
		return errors.New("duplicate serverid")
	}
	r.nextID++
	entry.Log.ID = r.nextID
	entry.Log.Datetime = time.Unix(r.nextID, 0).UTC()
	stored := *entry.Log
	r.logs[stored.ServerID] = &stored
	if entry.License != nil {
		license := *entry.License
		license.ServerID = &stored.ServerID
		license.ID = r.nextID
		r.licenses[license.LicenseCode] = &license
	}
	return nil
}

func (r *fakeDeploymentLogRepo) UpdateStatus(_ context.Context, serverID string, status model.DeploymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.logs[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	log.Status = status
	return nil
}

func (r *fakeDeploymentLogRepo) List(_ context.Context, filter repository.DeploymentLogFilter) ([]*model.DeploymentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.DeploymentLog, 0)
	for _, log := range r.logs {
		if filter.Status != nil && log.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && log.Type != *filter.Type {
			continue
		}
		if filter.UserID != nil && log.UserID != *filter.UserID {
			continue
		}
		copied := *log
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeDeploymentLogRepo) LatestInProgress(_ context.Context, userID string, deploymentType model.DeploymentType) (*model.DeploymentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.DeploymentLog
	for _, log := range r.logs {
		if log.UserID != userID || log.Type != deploymentType || log.Status != model.DeploymentStatusProgress {
			continue
		}
		if latest == nil || log.ID > latest.ID {
			latest = log
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeDeploymentLogRepo) Finalize(_ context.Context, serverID string, params repository.FinalizeParams) (*repository.FinalizeOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.logs[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	log.Status = model.DeploymentStatusCompleted
	outcome := &repository.FinalizeOutcome{Log: log}

	var bound *model.License
	for _, license := range r.licenses {
		if license.ServerID != nil && *license.ServerID == serverID && (bound == nil || license.ID < bound.ID) {
			bound = license
		}
	}
	if bound != nil {
		activation := params.ActivateLicense(*bound)
		bound.LicenseStatus = model.LicenseStatusActivated
		bound.StartDate = formatDay(activation.StartDate)
		bound.EndDate = formatDay(activation.EndDate)
		if activation.ClearPeriod {
			bound.LicensePeriod = nil
		}
		code := bound.LicenseCode
		outcome.LicenseCode = &code
		outcome.LicenseActivated = true
	}

	role := params.DefaultRole
	if log.Role != nil && *log.Role != "" {
		role = *log.Role
	}
	if params.Role != nil && *params.Role != "" {
		role = *params.Role
	}
	_, exists := r.servers[serverID]
	outcome.ServerCreated = !exists
	server := &model.DeployedServer{
		ServerID:      serverID,
		UserID:        log.UserID,
		ServerIP:      log.ServerIP,
		Role:          role,
		LicenseCode:   outcome.LicenseCode,
		NetworkConfig: log.NetworkConfig.Merge(params.Network),
	}
	r.servers[serverID] = server
	outcome.Server = server
	return outcome, nil
}

type fakeLicenseRepo struct {
	mu       sync.Mutex
	licenses map[string]*model.License
	ips      map[string]string
	marked   [][]string
	nextID   int64
}

func newFakeLicenseRepo() *fakeLicenseRepo {
	return &fakeLicenseRepo{
		licenses: make(map[string]*model.License),
		ips:      make(map[string]string),
	}
}

func (r *fakeLicenseRepo) add(license *model.License) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	license.ID = r.nextID
	r.licenses[license.LicenseCode] = license
}

func (r *fakeLicenseRepo) get(code string) model.License {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.licenses[code]
}

func (r *fakeLicenseRepo) FindByCode(_ context.Context, code string) (*model.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	license, ok := r.licenses[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *license
	return &copied, nil
}

func (r *fakeLicenseRepo) LatestByServerID(_ context.Context, serverID string) (*model.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.License
	for _, license := range r.licenses {
		if license.ServerID != nil && *license.ServerID == serverID && (latest == nil || license.ID > latest.ID) {
			latest = license
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeLicenseRepo) Insert(_ context.Context, license *model.License) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.licenses[license.LicenseCode]; exists {
		return repository.ErrConflict
	}
	r.nextID++
	license.ID = r.nextID
	copied := *license
	r.licenses[license.LicenseCode] = &copied
	return nil
}

func (r *fakeLicenseRepo) ExpireDue(_ context.Context, today time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := today.Format(dateLayout)
	var n int64
	for _, license := range r.licenses {
		if license.LicenseStatus != model.LicenseStatusActivated || license.EndDate == nil {
			continue
		}
		if *license.EndDate < cutoff {
			license.LicenseStatus = model.LicenseStatusExpired
			n++
		}
	}
	return n, nil
}

func (r *fakeLicenseRepo) PendingEnforcement(_ context.Context) ([]repository.ExpiredLicense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.ExpiredLicense, 0)
	for _, license := range r.licenses {
		if license.LicenseStatus != model.LicenseStatusExpired || license.DisableEnforced || license.ServerID == nil {
			continue
		}
		ip, ok := r.ips[*license.ServerID]
		if !ok {
			continue
		}
		out = append(out, repository.ExpiredLicense{LicenseCode: license.LicenseCode, ServerID: *license.ServerID, ServerIP: ip})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseCode < out[j].LicenseCode })
	return out, nil
}

func (r *fakeLicenseRepo) MarkEnforced(ctx context.Context, serverIDs []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, append([]string(nil), serverIDs...))
	var n int64
	for _, license := range r.licenses {
		if license.LicenseStatus != model.LicenseStatusExpired || license.ServerID == nil {
			continue
		}
		for _, id := range serverIDs {
			if *license.ServerID == id {
				license.DisableEnforced = true
				n++
			}
		}
	}
	return n, nil
}

type fakeEnforcer struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
}

func newFakeEnforcer() *fakeEnforcer {
	return &fakeEnforcer{calls: make(map[string]int), failures: make(map[string]int)}
}

// EnforceExpired fails the first failures[ip] calls for ip; -1 fails forever.
func (e *fakeEnforcer) EnforceExpired(_ context.Context, serverIP string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[serverIP]++
	remaining := e.failures[serverIP]
	if remaining < 0 {
		return errors.New("control plane unavailable")
	}
	if remaining > 0 {
		e.failures[serverIP] = remaining - 1
		return errors.New("control plane unavailable")
	}
	return nil
}

func (e *fakeEnforcer) callCount(ip string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[ip]
}

type fakeDeployedServerRepo struct {
	servers []*model.DeployedServer
	ips     []string
}

func (r *fakeDeployedServerRepo) List(_ context.Context, userID *string) ([]*model.DeployedServer, error) {
	out := make([]*model.DeployedServer, 0)
	for _, s := range r.servers {
		if userID == nil || s.UserID == *userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeDeployedServerRepo) ListSquadron(_ context.Context, userID string) ([]*model.DeployedServer, error) {
	out := make([]*model.DeployedServer, 0)
	for _, s := range r.servers {
		if s.UserID == userID && !strings.Contains(strings.ToLower(s.Role), "host") {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeDeployedServerRepo) ListChildren(_ context.Context, userID *string) ([]*model.DeployedServer, error) {
	out := make([]*model.DeployedServer, 0)
	for _, s := range r.servers {
		if strings.Contains(s.Role, "child") && (userID == nil || s.UserID == *userID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeDeployedServerRepo) DashboardCounts(_ context.Context, userID string) (repository.DashboardCounts, error) {
	clouds := map[string]struct{}{}
	var counts repository.DashboardCounts
	for _, s := range r.servers {
		if s.UserID != userID {
			continue
		}
		counts.SquadronCount++
		clouds[strVal(s.CloudName)] = struct{}{}
	}
	counts.CloudCount = int64(len(clouds))
	return counts, nil
}

func (r *fakeDeployedServerRepo) DistinctIPs(context.Context) ([]string, error) {
	return r.ips, nil
}

func (r *fakeDeployedServerRepo) CloudSummaries(context.Context, string) ([]repository.CloudSummary, error) {
	return nil, nil
}

func (r *fakeDeployedServerRepo) EarliestByUser(_ context.Context, userID string) (*model.DeployedServer, error) {
	for _, s := range r.servers {
		if s.UserID == userID {
			return s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDeployedServerRepo) HostExists(_ context.Context, userID string) (bool, error) {
	for _, s := range r.servers {
		if s.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeDeployedServerRepo) FirstHostServerID(_ context.Context, userID string) (string, error) {
	for _, s := range r.servers {
		if s.UserID == userID && strings.Contains(s.Role, "host") {
			return s.ServerID, nil
		}
	}
	return "", repository.ErrNotFound
}

func (r *fakeDeployedServerRepo) CloudNameExists(_ context.Context, cloudName string) (bool, error) {
	for _, s := range r.servers {
		if strings.EqualFold(strVal(s.CloudName), cloudName) {
			return true, nil
		}
	}
	return false, nil
}

func strVal(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func strPtr(v string) *string {
	return &v
}
