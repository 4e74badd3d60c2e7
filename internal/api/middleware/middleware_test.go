package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers...)
	return router
}

func TestInternalAccessAuth(t *testing.T) {
	trusted, err := ParseTrustedNetworks([]string{"172.20.0.0/16", "192.168.1.7"})
	if err != nil {
		t.Fatalf("ParseTrustedNetworks: %v", err)
	}
	router := newTestRouter(InternalAccessAuth(InternalAccess{Token: "s3cret", TrustedNetworks: trusted}))
	router.GET("/internal/metrics", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	cases := []struct {
		name       string
		remoteAddr string
		header     string
		value      string
		want       int
	}{
		{name: "loopback without token", remoteAddr: "127.0.0.1:4000", want: http.StatusOK},
		{name: "trusted network without token", remoteAddr: "172.20.3.4:4000", want: http.StatusOK},
		{name: "trusted single address", remoteAddr: "192.168.1.7:4000", want: http.StatusOK},
		{name: "neighbour of trusted address", remoteAddr: "192.168.1.8:4000", want: http.StatusUnauthorized},
		{name: "remote without token", remoteAddr: "10.1.2.3:4000", want: http.StatusUnauthorized},
		{name: "remote with header", remoteAddr: "10.1.2.3:4000", header: "X-Internal-Token", value: "s3cret", want: http.StatusOK},
		{name: "remote with bearer", remoteAddr: "10.1.2.3:4000", header: "Authorization", value: "bearer s3cret", want: http.StatusOK},
		{name: "remote with basic auth", remoteAddr: "10.1.2.3:4000", header: "Authorization", value: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "remote with wrong token", remoteAddr: "10.1.2.3:4000", header: "X-Internal-Token", value: "nope", want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/internal/metrics", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestInternalAccessAuth_NoTokenConfigured(t *testing.T) {
	router := newTestRouter(InternalAccessAuth(InternalAccess{}))
	router.GET("/internal/metrics", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/internal/metrics", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	req.Header.Set("X-Internal-Token", "")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no token is configured, got %d", resp.Code)
	}
}

func TestParseTrustedNetworks_RejectsGarbage(t *testing.T) {
	if _, err := ParseTrustedNetworks([]string{"10.0.0.0/8", "not-a-network"}); err == nil {
		t.Fatal("expected error for invalid network")
	}
}

func TestRequestLogger_SanitizesBodyAndSkipsQuietPaths(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newTestRouter(RequestLogger(zap.New(core), "/health"))
	router.POST("/api/store-user-id", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			t.Errorf("body was not restored for the handler: %v", err)
		}
		c.Status(http.StatusOK)
	})
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	body := []byte(`{"userId":"A1B2C3","password":"admin"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/store-user-id", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged request, got %d", len(entries))
	}
	payload, ok := entries[0].ContextMap()["request_body"].(map[string]any)
	if !ok {
		t.Fatalf("missing request_body in %v", entries[0].ContextMap())
	}
	if payload["password"] != "***" || payload["userId"] != "A1B2C3" {
		t.Fatalf("unexpected logged body: %v", payload)
	}
}

func TestRecovery_ReturnsJSONError(t *testing.T) {
	router := newTestRouter(Recovery(zap.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte(`"error":"internal error"`)) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}
