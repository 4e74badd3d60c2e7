package api

import (
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deploy-console/internal/api/middleware"
	v1 "deploy-console/internal/api/v1"
	"deploy-console/internal/service"
	systemlog "deploy-console/pkg/logger"
)

var defaultAllowOrigins = []string{"http://localhost:3000"}

type Services struct {
	Deployments *service.DeploymentService
	Licenses    *service.LicenseService
	Inventory   *service.InventoryService
	Lifecycle   *service.LifecycleService
	Users       *service.UserService
}

type RouterConfig struct {
	AllowOrigins    []string
	InternalToken   string
	TrustedNetworks []netip.Prefix
	DB              v1.Pinger
	LogStore        *systemlog.SystemLogStore
	Logger          *zap.Logger
}

func NewRouter(cfg RouterConfig, services Services) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(cfg.Logger))
	router.Use(buildCORSMiddleware(cfg.AllowOrigins))
	router.Use(middleware.RequestLogger(cfg.Logger, "/health", "/internal/metrics"))

	v1.RegisterHealthRoutes(router, cfg.DB)

	internal := router.Group("/internal")
	internal.Use(middleware.InternalAccessAuth(middleware.InternalAccess{
		Token:           cfg.InternalToken,
		TrustedNetworks: cfg.TrustedNetworks,
		Logger:          cfg.Logger,
	}))
	internal.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1.RegisterSystemLogRoutes(internal, cfg.LogStore)

	apiGroup := router.Group("/api")
	v1.RegisterDeploymentRoutes(apiGroup, services.Deployments)
	v1.RegisterLicenseRoutes(apiGroup, services.Licenses)
	v1.RegisterInventoryRoutes(apiGroup, services.Inventory)
	v1.RegisterLifecycleRoutes(apiGroup, services.Lifecycle)
	v1.RegisterUserRoutes(apiGroup, services.Users)

	return router
}

func buildCORSMiddleware(allowOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowOrigins))
	for _, origin := range allowOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = defaultAllowOrigins
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
