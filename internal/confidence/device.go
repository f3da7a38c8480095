package confidence

import (
	"strings"

	"github.com/ocx/assurance/internal/core"
)

// ParseUserAgent returns the browser and operating system families of a
// user agent. Versions are ignored so upgrades do not lower confidence.
func ParseUserAgent(ua string) (browser, os string) {
	return browserFamily(ua), osFamily(ua)
}

func browserFamily(ua string) string {
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "Edg/"), strings.Contains(ua, "Edge/"):
		return "Edge"
	case strings.Contains(ua, "OPR/"), strings.Contains(ua, "Opera"):
		return "Opera"
	case strings.Contains(ua, "Firefox/"), strings.Contains(ua, "FxiOS/"):
		return "Firefox"
	case strings.Contains(ua, "Chrome/"), strings.Contains(ua, "CriOS/"):
		return "Chrome"
	case strings.Contains(ua, "Safari/"):
		return "Safari"
	default:
		return "Other"
	}
}

func osFamily(ua string) string {
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		return "macOS"
	case strings.Contains(ua, "CrOS"):
		return "ChromeOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return "Other"
	}
}

// NewDeviceInfo builds the attributes of the requesting device.
func NewDeviceInfo(reqCtx core.RequestContext, fingerprint string) DeviceInfo {
	browser, os := ParseUserAgent(reqCtx.UserAgent)
	return DeviceInfo{
		Browser:     browser,
		OS:          os,
		IPAddress:   reqCtx.IPAddress,
		Fingerprint: fingerprint,
	}
}

// FromSession returns the attributes recorded on a stored session.
func FromSession(s *core.DeviceSession) DeviceInfo {
	if s == nil {
		return DeviceInfo{}
	}
	return DeviceInfo{
		Browser:     s.Browser,
		OS:          s.OS,
		IPAddress:   s.IPAddress,
		Fingerprint: s.DeviceFingerprint,
	}
}
