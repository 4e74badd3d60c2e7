package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"deploy-console/internal/api"
	"deploy-console/internal/api/middleware"
	"deploy-console/internal/controlplane"
	"deploy-console/internal/repository/postgres"
	"deploy-console/internal/scheduler"
	schedulerjobs "deploy-console/internal/scheduler/jobs"
	"deploy-console/internal/service"
	"deploy-console/migrations"
	systemlog "deploy-console/pkg/logger"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(); err != nil {
				// #nosec G705 -- CLI output only; control characters are stripped.
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logStore := systemlog.NewSystemLogStore(1000)
	logger, err := systemlog.New(systemlog.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.IsDevelopment(),
	}, logStore)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runMigrateUp(cfg.Database.URL); err != nil {
		logger.Fatal("apply migrations failed", zap.Error(err))
	}

	dbPool, err := newDBPool(context.Background(), cfg)
	if err != nil {
		logger.Fatal("connect database failed", zap.Error(err))
	}
	defer dbPool.Close()

	logRepo := postgres.NewDeploymentLogRepository(dbPool)
	licenseRepo := postgres.NewLicenseRepository(dbPool)
	serverRepo := postgres.NewDeployedServerRepository(dbPool)
	lifecycleRepo := postgres.NewLifecycleHistoryRepository(dbPool)
	userRepo := postgres.NewUserRepository(dbPool)

	controlPlane := controlplane.New(controlplane.Config{
		BaseURL:            cfg.ControlPlane.BaseURL,
		EnforceTimeout:     cfg.ControlPlane.EnforceTimeout,
		StatusTimeout:      cfg.ControlPlane.StatusTimeout,
		InsecureSkipVerify: cfg.ControlPlane.InsecureSkipVerify,
	})

	deploymentSvc := service.NewDeploymentService(logRepo, serverRepo, logger.Named("deployment"))
	licenseSvc := service.NewLicenseService(licenseRepo, controlPlane, service.LicenseServiceConfig{
		EnforceAttempts:       cfg.License.EnforceAttempts,
		EnforceInitialBackoff: cfg.License.EnforceInitialBackoff,
	}, logger.Named("license"))
	defer licenseSvc.Wait()
	inventorySvc := service.NewInventoryService(serverRepo, controlPlane, cfg.Inventory.ProbeConcurrency, logger.Named("inventory"))
	lifecycleSvc := service.NewLifecycleService(lifecycleRepo, logger.Named("lifecycle"))
	userSvc := service.NewUserService(userRepo, logger.Named("user"))

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = userSvc.EnsureDefaultUser(seedCtx, service.DefaultUser{
		ID:          cfg.DefaultUser.ID,
		CompanyName: cfg.DefaultUser.CompanyName,
		Password:    cfg.DefaultUser.Password,
	})
	seedCancel()
	if err != nil {
		logger.Fatal("seed default user failed", zap.Error(err))
	}

	cronRunner, err := scheduler.NewScheduler(scheduler.Config{
		LicenseSchedule:      cfg.License.SweepSchedule,
		LicenseWarmup:        cfg.License.SweepWarmup,
		ServerStatusSchedule: cfg.Inventory.StatusRefreshSchedule,
	}, scheduler.Deps{
		LicenseJob:      schedulerjobs.NewLicenseJob(licenseSvc, 0, logger.Named("scheduler")),
		ServerStatusJob: schedulerjobs.NewServerStatusJob(inventorySvc, logger.Named("scheduler")),
	}, logger)
	if err != nil {
		logger.Fatal("init scheduler failed", zap.Error(err))
	}
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	trustedNetworks, err := middleware.ParseTrustedNetworks(cfg.Security.TrustedNetworks)
	if err != nil {
		logger.Fatal("parse trusted networks failed", zap.Error(err))
	}

	router := api.NewRouter(api.RouterConfig{
		AllowOrigins:    cfg.CORS.AllowOrigins,
		InternalToken:   cfg.Security.InternalToken,
		TrustedNetworks: trustedNetworks,
		DB:              dbPool,
		LogStore:        logStore,
		Logger:          logger.Named("http"),
	}, api.Services{
		Deployments: deploymentSvc,
		Licenses:    licenseSvc,
		Inventory:   inventorySvc,
		Lifecycle:   lifecycleSvc,
		Users:       userSvc,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.Bool("tls", cfg.TLSEnabled()),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("server exited unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}
}

func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if cfg.Database.MaxConns > maxInt32 {
		return nil, fmt.Errorf("database.max_conns must be <= %d", maxInt32)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns) // #nosec G115 -- validated upper bound above.

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}
	return pool, nil
}

func runMigrateCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if err := runMigrateUp(cfg.Database.URL); err != nil {
		return err
	}
	fmt.Println("migrations applied successfully")
	return nil
}

// runMigrateUp applies the embedded migrations. An up-to-date schema is not
// an error.
func runMigrateUp(databaseURL string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations failed: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, migrationDatabaseURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations failed: %w", err)
	}
	return nil
}

// migrationDatabaseURL maps pgx style URLs onto the scheme registered by the
// migrate postgres driver.
func migrationDatabaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	for _, prefix := range []string{"pgx5://", "pgx://", "postgresql://"} {
		if strings.HasPrefix(trimmed, prefix) {
			return "postgres://" + strings.TrimPrefix(trimmed, prefix)
		}
	}
	return trimmed
}

func runHealthcheck() int {
	port := strings.TrimSpace(os.Getenv("DEPLOYCONSOLE_SERVER_PORT"))
	if port == "" {
		port = "5000"
	}
	scheme := "http"
	if strings.TrimSpace(os.Getenv("DEPLOYCONSOLE_SERVER_TLS_CERT_FILE")) != "" {
		scheme = "https"
	}

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: healthcheckTransport(),
	}

	resp, err := client.Get(scheme + "://localhost:" + port + "/health/ready")
	if err != nil {
		return 1
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func healthcheckTransport() http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// #nosec G402 -- loopback probe against this process's own certificate.
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	return transport
}

func sanitizeCLIError(err error) string {
	if err == nil {
		return ""
	}

	text := strings.ReplaceAll(err.Error(), "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.TrimSpace(text)
}
