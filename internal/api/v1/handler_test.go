package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"deploy-console/internal/repository/postgres"
	"deploy-console/internal/service"
	"deploy-console/migrations"
)

type recordingEnforcer struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingEnforcer) EnforceExpired(_ context.Context, serverIP string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, serverIP)
	return nil
}

type onlineProber struct{}

func (onlineProber) CheckServerStatus(context.Context, string) (string, error) {
	return "online", nil
}

func setupHandlerTestServer(t *testing.T) (*gin.Engine, *pgxpool.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := startPostgresForHandlerTest(t)

	logRepo := postgres.NewDeploymentLogRepository(pool)
	serverRepo := postgres.NewDeployedServerRepository(pool)
	licenseRepo := postgres.NewLicenseRepository(pool)

	licenseSvc := service.NewLicenseService(licenseRepo, &recordingEnforcer{}, service.LicenseServiceConfig{
		EnforceAttempts:       1,
		EnforceInitialBackoff: time.Millisecond,
	}, nil)
	t.Cleanup(licenseSvc.Wait)

	router := gin.New()
	RegisterHealthRoutes(router, pool)
	group := router.Group("/api")
	RegisterDeploymentRoutes(group, service.NewDeploymentService(logRepo, serverRepo, nil))
	RegisterLicenseRoutes(group, licenseSvc)
	RegisterInventoryRoutes(group, service.NewInventoryService(serverRepo, onlineProber{}, 5, nil))
	RegisterLifecycleRoutes(group, service.NewLifecycleService(postgres.NewLifecycleHistoryRepository(pool), nil))
	RegisterUserRoutes(group, service.NewUserService(postgres.NewUserRepository(pool), nil))
	return router, pool
}

func TestPrimaryBatch_CreatesProgressRows(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodPost, "/api/node-deployment-activity-log", map[string]any{
		"nodes":     []map[string]any{{"serverip": "10.0.0.5"}},
		"user_id":   "u1",
		"username":  "a",
		"cloudname": "c1",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var created struct {
		Nodes []struct {
			ServerID string `json:"serverid"`
			ServerIP string `json:"serverip"`
		} `json:"nodes"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if len(created.Nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(created.Nodes))
	}
	if !regexp.MustCompile(`^SQDN-[A-Za-z0-9]{6}$`).MatchString(created.Nodes[0].ServerID) {
		t.Fatalf("unexpected serverid %q", created.Nodes[0].ServerID)
	}

	pending := performJSONRequest(t, router, http.MethodGet, "/api/pending-node-deployments?user_id=u1", nil)
	if pending.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", pending.Code)
	}
	var rows []struct {
		ServerID string `json:"serverid"`
		Status   string `json:"status"`
		Type     string `json:"type"`
	}
	decodeJSON(t, pending.Body.Bytes(), &rows)
	if len(rows) != 1 || rows[0].ServerID != created.Nodes[0].ServerID {
		t.Fatalf("unexpected pending rows: %+v", rows)
	}
	if rows[0].Status != "progress" || rows[0].Type != "primary" {
		t.Fatalf("unexpected row state: %+v", rows[0])
	}
}

func TestUpdateLicense_PerpetualClearsPeriodAndEndDate(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodPut, "/api/update-license/SQDN-abc123", map[string]any{
		"license_code":   "LIC-PERP-1",
		"license_type":   "perpetual",
		"license_period": "365",
		"status":         "validated",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	details := performJSONRequest(t, router, http.MethodGet, "/api/license-details/SQDN-abc123", nil)
	if details.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", details.Code, details.Body.String())
	}
	var body map[string]any
	decodeJSON(t, details.Body.Bytes(), &body)
	if body["license_period"] != nil || body["end_date"] != nil {
		t.Fatalf("expected period and end date to be null, got %v", body)
	}
	if body["license_status"] != "activated" {
		t.Fatalf("expected activated, got %v", body["license_status"])
	}
	if body["start_date"] == nil {
		t.Fatal("expected start date to be set")
	}

	exists := performJSONRequest(t, router, http.MethodPost, "/api/check-license-exists", map[string]any{
		"license_code": "LIC-PERP-1",
	})
	var check struct {
		Exists bool `json:"exists"`
	}
	decodeJSON(t, exists.Body.Bytes(), &check)
	if !check.Exists {
		t.Fatal("expected license to exist")
	}

	dup := performJSONRequest(t, router, http.MethodPut, "/api/update-license/SQDN-other1", map[string]any{
		"license_code": "LIC-PERP-1",
		"license_type": "subscription",
	})
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", dup.Code)
	}
}

func TestLicenseDetails_UnknownServer(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodGet, "/api/license-details/SQDN-nope00", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestFinalize_UnknownServerCreatesNothing(t *testing.T) {
	router, pool := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodPost, "/api/finalize-child-deployment/SQDN-ghost1", map[string]any{
		"role": "child",
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	var count int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM deployed_server`).Scan(&count); err != nil {
		t.Fatalf("count deployed servers: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no deployed servers, got %d", count)
	}
}

func TestHostDeployment_EndToEnd(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	payload := map[string]any{
		"user_id":        "u9",
		"username":       "ops",
		"cloudname":      "alpha",
		"serverip":       "10.9.0.1",
		"vip":            "10.9.0.100",
		"Management":     "eth0",
		"license_code":   "LIC-HOST-9",
		"license_type":   "subscription",
		"license_period": "30",
	}
	first := performJSONRequest(t, router, http.MethodPost, "/api/deployment-activity-log", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	var host struct {
		ServerID string `json:"serverid"`
		Existing bool   `json:"existing"`
	}
	decodeJSON(t, first.Body.Bytes(), &host)
	if !strings.HasPrefix(host.ServerID, "FD-") || host.Existing {
		t.Fatalf("unexpected new host deployment %+v", host)
	}

	again := performJSONRequest(t, router, http.MethodPost, "/api/deployment-activity-log", payload)
	if again.Code != http.StatusOK {
		t.Fatalf("expected 200 for repeated create, got %d", again.Code)
	}
	var repeated struct {
		ServerID string `json:"serverid"`
		Existing bool   `json:"existing"`
	}
	decodeJSON(t, again.Body.Bytes(), &repeated)
	if repeated.ServerID != host.ServerID || !repeated.Existing {
		t.Fatalf("expected existing row %s, got %+v", host.ServerID, repeated)
	}

	latest := performJSONRequest(t, router, http.MethodGet, "/api/deployment-activity-log/latest-in-progress/u9", nil)
	var inProgress struct {
		InProgress bool `json:"inProgress"`
		Log        struct {
			ServerID string `json:"serverid"`
		} `json:"log"`
	}
	decodeJSON(t, latest.Body.Bytes(), &inProgress)
	if !inProgress.InProgress || inProgress.Log.ServerID != host.ServerID {
		t.Fatalf("unexpected latest in progress: %s", latest.Body.String())
	}

	finalize := performJSONRequest(t, router, http.MethodPost, "/api/finalize-deployment/"+host.ServerID, map[string]any{
		"server_type": "host",
	})
	if finalize.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", finalize.Code, finalize.Body.String())
	}

	servers := performJSONRequest(t, router, http.MethodGet, "/api/deployed-servers?userId=u9", nil)
	var deployed []struct {
		ServerID    string  `json:"serverid"`
		Role        string  `json:"role"`
		LicenseCode *string `json:"license_code"`
		Management  *string `json:"Management"`
	}
	decodeJSON(t, servers.Body.Bytes(), &deployed)
	if len(deployed) != 1 || deployed[0].Role != "host" {
		t.Fatalf("unexpected deployed servers: %s", servers.Body.String())
	}
	if deployed[0].LicenseCode == nil || *deployed[0].LicenseCode != "LIC-HOST-9" {
		t.Fatalf("expected license to be linked, got %v", deployed[0].LicenseCode)
	}
	if deployed[0].Management == nil || *deployed[0].Management != "eth0" {
		t.Fatalf("expected network config to be copied, got %v", deployed[0].Management)
	}

	details := performJSONRequest(t, router, http.MethodGet, "/api/license-details/"+host.ServerID, nil)
	var license map[string]any
	decodeJSON(t, details.Body.Bytes(), &license)
	if license["license_status"] != "activated" || license["end_date"] == nil {
		t.Fatalf("expected activated license with end date, got %v", license)
	}

	after := performJSONRequest(t, router, http.MethodGet, "/api/deployment-activity-log/latest-in-progress/u9", nil)
	decodeJSON(t, after.Body.Bytes(), &inProgress)
	if inProgress.InProgress {
		t.Fatal("expected nothing in progress after finalize")
	}

	hostExists := performJSONRequest(t, router, http.MethodGet, "/api/host-exists?userId=u9", nil)
	if !strings.Contains(hostExists.Body.String(), `"exists":true`) {
		t.Fatalf("unexpected host-exists body: %s", hostExists.Body.String())
	}
	firstHost := performJSONRequest(t, router, http.MethodGet, "/api/first-host-serverid?userId=u9", nil)
	if !strings.Contains(firstHost.Body.String(), host.ServerID) {
		t.Fatalf("unexpected first-host body: %s", firstHost.Body.String())
	}

	counts := performJSONRequest(t, router, http.MethodGet, "/api/dashboard-counts/u9", nil)
	var dashboard struct {
		CloudCount      int `json:"cloudCount"`
		FlightDeckCount int `json:"flightDeckCount"`
		SquadronCount   int `json:"squadronCount"`
	}
	decodeJSON(t, counts.Body.Bytes(), &dashboard)
	if dashboard.CloudCount != 1 || dashboard.FlightDeckCount != 1 || dashboard.SquadronCount != 1 {
		t.Fatalf("unexpected dashboard counts: %+v", dashboard)
	}

	cloud := performJSONRequest(t, router, http.MethodPost, "/api/check-cloud-name", map[string]any{"cloudName": "ALPHA"})
	if !strings.Contains(cloud.Body.String(), `"exists":true`) {
		t.Fatalf("expected cloud name match ignoring case, got %s", cloud.Body.String())
	}

	summary := performJSONRequest(t, router, http.MethodGet, "/api/cloud-deployments-summary?userId=u9", nil)
	var clouds []struct {
		SNo           int    `json:"sno"`
		CloudName     string `json:"cloudname"`
		NumberOfNodes int    `json:"numberOfNodes"`
	}
	decodeJSON(t, summary.Body.Bytes(), &clouds)
	if len(clouds) != 1 || clouds[0].CloudName != "alpha" || clouds[0].NumberOfNodes != 1 || clouds[0].SNo != 1 {
		t.Fatalf("unexpected cloud summary: %s", summary.Body.String())
	}

	serverCounts := performJSONRequest(t, router, http.MethodGet, "/api/server-counts", nil)
	if serverCounts.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", serverCounts.Code)
	}
}

func TestUpdateStatus_DefaultsToCompleted(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodPost, "/api/child-deployment-activity-log", map[string]any{
		"nodes":    []map[string]any{{"serverip": "10.1.0.2", "role": []string{"child", "storage"}}},
		"user_id":  "u2",
		"username": "b",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Nodes []struct {
			ServerID string `json:"serverid"`
		} `json:"nodes"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)

	patch := performJSONRequest(t, router, http.MethodPatch, "/api/child-deployment-activity-log/"+created.Nodes[0].ServerID, nil)
	if patch.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", patch.Code, patch.Body.String())
	}

	pending := performJSONRequest(t, router, http.MethodGet, "/api/pending-child-deployments?status=completed", nil)
	var rows []struct {
		Status string  `json:"status"`
		Role   *string `json:"role"`
	}
	decodeJSON(t, pending.Body.Bytes(), &rows)
	if len(rows) != 1 || rows[0].Status != "completed" {
		t.Fatalf("unexpected rows: %s", pending.Body.String())
	}
	if rows[0].Role == nil || *rows[0].Role != "child,storage" {
		t.Fatalf("expected joined roles, got %v", rows[0].Role)
	}

	missing := performJSONRequest(t, router, http.MethodPatch, "/api/child-deployment-activity-log/SQDN-none00", map[string]any{"status": "completed"})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestLifecycleHistory_StoreListAndDownload(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodPost, "/api/lifecycle-history", map[string]any{
		"id":      "run-1",
		"info":    "password rotation",
		"date":    1767225600,
		"user_id": "u1",
		"log":     "step 1 ok\nstep 2 ok\n",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	list := performJSONRequest(t, router, http.MethodGet, "/api/lifecycle-history?userId=u1", nil)
	var rows []map[string]any
	decodeJSON(t, list.Body.Bytes(), &rows)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if _, ok := rows[0]["log"]; ok {
		t.Fatal("list must not include log bodies")
	}
	if rows[0]["has_log"] != true {
		t.Fatalf("expected has_log=true, got %v", rows[0]["has_log"])
	}
	if rows[0]["date"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected normalized date %v", rows[0]["date"])
	}

	download := performJSONRequest(t, router, http.MethodGet, "/api/lifecycle-history/run-1/log", nil)
	if download.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", download.Code)
	}
	if got := download.Header().Get("Content-Disposition"); got != `attachment; filename="run-1.log"` {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	if download.Body.String() != "step 1 ok\nstep 2 ok\n" {
		t.Fatalf("unexpected log body %q", download.Body.String())
	}

	missing := performJSONRequest(t, router, http.MethodGet, "/api/lifecycle-history/run-404/log", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestUserPasswordStatus(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	if resp := performJSONRequest(t, router, http.MethodGet, "/api/check-password-status/X9Y8Z7", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", resp.Code)
	}

	if resp := performJSONRequest(t, router, http.MethodPost, "/api/store-user-id", map[string]any{"userId": "X9Y8Z7"}); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	status := performJSONRequest(t, router, http.MethodGet, "/api/check-password-status/X9Y8Z7", nil)
	if !strings.Contains(status.Body.String(), `"updatePwdStatus":false`) {
		t.Fatalf("unexpected status body: %s", status.Body.String())
	}

	if resp := performJSONRequest(t, router, http.MethodPut, "/api/users/X9Y8Z7/password-updated", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	status = performJSONRequest(t, router, http.MethodGet, "/api/check-password-status/X9Y8Z7", nil)
	if !strings.Contains(status.Body.String(), `"updatePwdStatus":true`) {
		t.Fatalf("unexpected status body: %s", status.Body.String())
	}
}

func TestHealthReady(t *testing.T) {
	router, _ := setupHandlerTestServer(t)

	resp := performJSONRequest(t, router, http.MethodGet, "/health/ready", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func performJSONRequest(
	t *testing.T,
	router http.Handler,
	method string,
	path string,
	payload any,
) *httptest.ResponseRecorder {
	t.Helper()

	var bodyBytes []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		bodyBytes = raw
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(bodyBytes))
	req.Header.Set("Content-Type", "application/json")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeJSON(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode response %s: %v", string(raw), err)
	}
}

func startPostgresForHandlerTest(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "deploy_console_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping test because docker/testcontainers is unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/deploy_console_test?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pgx pool: %v", err)
	}
	t.Cleanup(pool.Close)

	deadline := time.Now().Add(30 * time.Second)
	for {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres did not become ready: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	files, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	sort.Strings(files)
	for _, file := range files {
		raw, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			t.Fatalf("read migration %s: %v", file, err)
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			t.Fatalf("apply migration %s: %v", file, err)
		}
	}
	return pool
}
