package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	loggerpkg "deploy-console/pkg/logger"
)

const requestBodyLogLimit = 64 << 10

// RequestLogger logs one line per request. Probe paths are only logged when
// they fail.
func RequestLogger(logger *zap.Logger, quietPrefixes ...string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		startedAt := time.Now()
		body := snapshotRequestBody(c)

		c.Next()

		status := c.Writer.Status()
		if status < 400 && hasAnyPrefix(c.Request.URL.Path, quietPrefixes) {
			return
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", status),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", time.Since(startedAt)),
		}
		if raw := c.Request.URL.RawQuery; raw != "" {
			fields = append(fields, zap.String("query", raw))
		}
		for _, param := range c.Params {
			fields = append(fields, zap.String("param_"+param.Key, param.Value))
		}
		if len(body) > 0 {
			var payload any
			if err := json.Unmarshal(body, &payload); err == nil {
				fields = append(fields, zap.Any("request_body", payload))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		sanitized := loggerpkg.SanitizeFields(fields)
		switch {
		case status >= 500:
			logger.Error("http request completed", sanitized...)
		case status >= 400:
			logger.Warn("http request completed", sanitized...)
		default:
			logger.Info("http request completed", sanitized...)
		}
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func snapshotRequestBody(c *gin.Context) []byte {
	if c.Request == nil || c.Request.Body == nil {
		return nil
	}

	raw, err := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 || len(raw) > requestBodyLogLimit {
		return nil
	}
	return raw
}
