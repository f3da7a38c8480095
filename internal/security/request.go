package security

import (
	"net"
	"net/http"
	"strings"

	"github.com/ocx/assurance/internal/core"
)

// Headers set by the upstream authentication proxy.
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderUserRole  = "X-User-Role"
)

// ClientIP returns the caller's address.
// Priority: X-Forwarded-For → X-Real-IP → RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ExtractRequestContext builds the event metadata for an inbound request.
func ExtractRequestContext(r *http.Request) core.RequestContext {
	return core.RequestContext{
		IPAddress: ClientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
		Path:      r.URL.Path,
		Method:    r.Method,
		UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		SessionID: strings.TrimSpace(r.Header.Get(HeaderSessionID)),
		Role:      strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))),
	}
}

func isPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
}

// Identity is the key rate limits and threat profiles attribute a request
// to: the user when known, otherwise the truncated network address.
func Identity(rc core.RequestContext) string {
	return (&core.SecurityEvent{UserID: rc.UserID, Context: SanitizeContext(rc)}).Identity()
}
