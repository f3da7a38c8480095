package security

import (
	"net"
	"regexp"
	"strings"

	"github.com/ocx/assurance/internal/core"
)

// Redacted replaces the value of sensitive keys.
const Redacted = "[REDACTED]"

var (
	emailPattern   = regexp.MustCompile(`([A-Za-z0-9._%+\-]+)@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	versionPattern = regexp.MustCompile(`\d+(?:[._]\d+)*`)
)

// sensitiveKeys are matched after lowercasing and dropping '_' and '-'.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"pwd":           true,
	"token":         true,
	"accesstoken":   true,
	"refreshtoken":  true,
	"idtoken":       true,
	"secret":        true,
	"clientsecret":  true,
	"apikey":        true,
	"authorization": true,
	"cookie":        true,
	"session":       true,
	"sessiontoken":  true,
	"otp":           true,
	"totp":          true,
	"code":          true,
	"backupcode":    true,
	"mfacode":       true,
	"ssn":           true,
	"creditcard":    true,
	"cardnumber":    true,
	"cvv":           true,
	"pin":           true,
}

var sensitiveFragments = []string{"password", "secret", "token", "apikey"}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key))
	if sensitiveKeys[k] {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// MaskEmail keeps the first character of every email local part found in s.
func MaskEmail(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, func(addr string) string {
		at := strings.LastIndexByte(addr, '@')
		if at <= 0 {
			return addr
		}
		return addr[:1] + "***" + addr[at:]
	})
}

// TruncateIP zeroes the host part of an address: the last octet of IPv4 and
// everything past the /64 prefix of IPv6. Unparseable input is dropped.
func TruncateIP(ip string) string {
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "unknown"
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String()
}

// StripVersions replaces version numbers in a user agent with '*'.
func StripVersions(ua string) string {
	return versionPattern.ReplaceAllString(ua, "*")
}

// SanitizeData returns a copy of data with sensitive keys redacted and
// email addresses masked, recursively.
func SanitizeData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return MaskEmail(val)
	case map[string]any:
		return SanitizeData(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return SanitizeData(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = MaskEmail(item)
		}
		return out
	case error:
		return MaskEmail(val.Error())
	default:
		return v
	}
}

// SanitizeContext truncates the address, strips user agent versions and
// masks emails in the path.
func SanitizeContext(rc core.RequestContext) core.RequestContext {
	rc.IPAddress = TruncateIP(rc.IPAddress)
	rc.UserAgent = StripVersions(rc.UserAgent)
	rc.Path = MaskEmail(rc.Path)
	return rc
}
