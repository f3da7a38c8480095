package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/assurance/internal/core"
)

func TestTruncateIP(t *testing.T) {
	assert.Equal(t, "192.168.1.0", TruncateIP("192.168.1.42"))
	assert.Equal(t, "2001:db8:85a3:8d3::", TruncateIP("2001:db8:85a3:8d3:1319:8a2e:370:7348"))
	assert.Equal(t, "unknown", TruncateIP("not-an-ip"))
	assert.Equal(t, "", TruncateIP(""))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "sent to b***@corp.io and c***@corp.io", MaskEmail("sent to bob@corp.io and carol@corp.io"))
	assert.Equal(t, "no address here", MaskEmail("no address here"))
}

func TestStripVersions(t *testing.T) {
	assert.Equal(t,
		"Mozilla/* (Windows NT *; Win*; x*) Chrome/* Safari/*",
		StripVersions("Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.6099.71 Safari/537.36"))
	assert.Equal(t, "Mozilla/* (iPhone; CPU iPhone OS * like Mac OS X)",
		StripVersions("Mozilla/5.0 (iPhone; CPU iPhone OS 17_1_2 like Mac OS X)"))
}

func TestSanitizeDataRedactsRecursively(t *testing.T) {
	in := map[string]any{
		"user_email":   "dave@example.org",
		"Access_Token": "abc",
		"apiKey":       "k",
		"backup-code":  "ABCD2345",
		"nested": map[string]any{
			"client_secret": "s",
			"list":          []any{"erin@example.org", map[string]any{"pin": "1234"}},
		},
		"attempts": 3,
	}
	out := SanitizeData(in)

	assert.Equal(t, "d***@example.org", out["user_email"])
	assert.Equal(t, Redacted, out["Access_Token"])
	assert.Equal(t, Redacted, out["apiKey"])
	assert.Equal(t, Redacted, out["backup-code"])
	assert.Equal(t, 3, out["attempts"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["client_secret"])
	list := nested["list"].([]any)
	assert.Equal(t, "e***@example.org", list[0])
	assert.Equal(t, Redacted, list[1].(map[string]any)["pin"])

	assert.Equal(t, "abc", in["Access_Token"], "input is not modified")
}

func TestExtractRequestContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/mfa/verify", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("User-Agent", "curl/8.4.0")
	r.Header.Set(HeaderUserID, "u1")
	r.Header.Set(HeaderSessionID, "s1")

	assert.Equal(t, core.RequestContext{
		IPAddress: "10.0.0.5",
		UserAgent: "curl/8.4.0",
		Path:      "/v1/mfa/verify",
		Method:    http.MethodPost,
		UserID:    "u1",
		SessionID: "s1",
	}, ExtractRequestContext(r))

	r.Header.Set("X-Real-IP", "198.51.100.9")
	assert.Equal(t, "198.51.100.9", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}
