package v1

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"deploy-console/internal/api/response"
	systemlog "deploy-console/pkg/logger"
)

const readinessTimeout = 3 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SystemHandler struct {
	db       Pinger
	logStore *systemlog.SystemLogStore
}

func NewSystemHandler(db Pinger, logStore *systemlog.SystemLogStore) *SystemHandler {
	return &SystemHandler{db: db, logStore: logStore}
}

func RegisterHealthRoutes(router gin.IRoutes, db Pinger) {
	handler := NewSystemHandler(db, nil)
	router.GET("/health", handler.Health)
	router.GET("/health/ready", handler.Ready)
}

func RegisterSystemLogRoutes(group *gin.RouterGroup, logStore *systemlog.SystemLogStore) {
	if logStore == nil {
		return
	}
	handler := NewSystemHandler(nil, logStore)
	group.GET("/system-logs", handler.QueryLogs)
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready
// @Summary Readiness probe; 503 when the database does not answer
// @Tags system
// @Router /health/ready [get]
func (h *SystemHandler) Ready(c *gin.Context) {
	if h.db == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrDatabaseUnavailable, "database not configured")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrDatabaseUnavailable, "database unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// QueryLogs
// @Summary Query the in-memory system log
// @Tags system
// @Param level query string false "exact level, e.g. warn"
// @Param keyword query string false "case-insensitive substring of message, caller or fields"
// @Param since query string false "RFC3339 lower bound"
// @Failure 400 {object} response.ErrorBody
// @Router /internal/system-logs [get]
func (h *SystemHandler) QueryLogs(c *gin.Context) {
	since, err := parseSystemLogTime(c.Query("since"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidInput, "invalid since")
		return
	}

	page := h.logStore.Query(systemlog.LogQuery{
		Level:    c.Query("level"),
		Keyword:  c.Query("keyword"),
		Since:    since,
		Page:     parseIntOrDefault(c.Query("page"), 1),
		PageSize: parseIntOrDefault(c.Query("page_size"), 0),
	})
	response.Success(c, page)
}

func parseSystemLogTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, errors.New("invalid time")
}

func parseIntOrDefault(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}
