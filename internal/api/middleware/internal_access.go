package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deploy-console/internal/api/response"
)

const internalTokenHeader = "X-Internal-Token"

// InternalAccess controls who may reach /internal. Loopback clients and
// members of TrustedNetworks pass without a token; everyone else must present
// Token in X-Internal-Token or as a bearer token.
type InternalAccess struct {
	Token           string
	TrustedNetworks []netip.Prefix
	Logger          *zap.Logger
}

func InternalAccessAuth(access InternalAccess) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(access.Token))
	logger := access.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		addr, err := netip.ParseAddr(strings.TrimSpace(c.ClientIP()))
		if err == nil && access.trusts(addr.Unmap()) {
			c.Next()
			return
		}

		provided := presentedToken(c.Request)
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			logger.Warn("internal endpoint access denied",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
				zap.Bool("token_presented", provided != ""),
			)
			response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a InternalAccess) trusts(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	for _, network := range a.TrustedNetworks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func presentedToken(req *http.Request) string {
	if token := strings.TrimSpace(req.Header.Get(internalTokenHeader)); token != "" {
		return token
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(req.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ParseTrustedNetworks accepts CIDR prefixes or bare addresses.
func ParseTrustedNetworks(raw []string) ([]netip.Prefix, error) {
	networks := make([]netip.Prefix, 0, len(raw))
	for _, item := range raw {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if !strings.Contains(value, "/") {
			addr, err := netip.ParseAddr(value)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted network %q: %w", value, err)
			}
			networks = append(networks, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", value, err)
		}
		networks = append(networks, prefix.Masked())
	}
	return networks, nil
}
