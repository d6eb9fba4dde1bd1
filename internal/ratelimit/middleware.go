package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-fps-relay/pkg/errors"
)

// KeyFunc 從請求取出限流 key
type KeyFunc func(r *http.Request) string

// Middleware 依 key 限流；限流器出錯時放行（可用性優先）
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
			defer cancel()

			key := keyFunc(r)
			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter failed, request allowed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				logger.InfoContext(r.Context(), "request rate limited", "key", key, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": apperrors.ErrRateLimited.Message,
					"code":  apperrors.ErrRateLimited.Code,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 以連線的來源位址作為 key，不讀取客戶端可自行設定的標頭
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedClientIP 部署在反向代理後方時使用
//
// 只有 RemoteAddr 屬於信任代理時才讀取 X-Forwarded-For：由右往左略過信任代理，
// 第一個非代理位址即為客戶端。proxies 可為單一 IP 或 CIDR；空值等同 ClientIP。
func ForwardedClientIP(proxies []string) (KeyFunc, error) {
	trusted, err := ParseTrustedProxies(proxies)
	if err != nil {
		return nil, err
	}
	if len(trusted) == 0 {
		return ClientIP, nil
	}

	isTrusted := func(ip string) bool {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		remote := ClientIP(r)
		if !isTrusted(remote) {
			return remote
		}

		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" || isTrusted(hop) {
				continue
			}
			return hop
		}
		return remote
	}, nil
}

// ParseTrustedProxies 解析信任代理清單（IP 或 CIDR）
func ParseTrustedProxies(proxies []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(proxies))
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
