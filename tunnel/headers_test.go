package tunnel

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLookupIsCaseInsensitive(t *testing.T) {
	headers := map[string]string{"Content-Type": "text/html", "X-Thing": "v"}

	v, ok := headerLookup(headers, "content-type")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)

	v, ok = headerLookup(headers, "X-THING")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = headerLookup(headers, "missing")
	assert.False(t, ok)
}

func TestStripHopByHop(t *testing.T) {
	headers := map[string]string{
		"Connection":        "close, x-custom",
		"x-custom":          "value",
		"Keep-Alive":        "timeout=5",
		"Transfer-Encoding": "chunked",
		"Upgrade":           "h2c",
		"TE":                "trailers",
		"Content-Type":      "application/json",
		"X-Forwarded-For":   "1.2.3.4",
	}
	out := stripHopByHop(headers)

	assert.Equal(t, map[string]string{
		"Content-Type":    "application/json",
		"X-Forwarded-For": "1.2.3.4",
	}, out)
	// input untouched
	assert.Contains(t, headers, "Connection")
}

func TestStripHopByHopConnectionTokensCaseInsensitive(t *testing.T) {
	headers := map[string]string{
		"connection": "X-Custom , other",
		"x-CUSTOM":   "v",
		"Other":      "v2",
		"keep":       "v3",
	}
	out := stripHopByHop(headers)
	assert.Equal(t, map[string]string{"keep": "v3"}, out)
}

func TestFlattenResponseHeaderLiftsCookies(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Set("Content-Type", "text/plain")
	h.Add("Vary", "Accept")
	h.Add("Vary", "Origin")

	headers, cookies := flattenResponseHeader(h)

	assert.Equal(t, []string{"a=1", "b=2"}, cookies)
	assert.NotContains(t, headers, "Set-Cookie")
	assert.Equal(t, "text/plain", headers["Content-Type"])
	assert.Equal(t, "Accept, Origin", headers["Vary"])
}

func TestStripWebSocketHandshake(t *testing.T) {
	headers := map[string]string{
		"Sec-WebSocket-Key":      "k",
		"sec-websocket-version":  "13",
		"Sec-WebSocket-Protocol": "chat",
		"Cookie":                 "session=1",
	}
	out := stripWebSocketHandshake(headers)
	assert.Equal(t, map[string]string{"Cookie": "session=1"}, out)
}

func TestBodylessMethod(t *testing.T) {
	assert.True(t, bodylessMethod("GET"))
	assert.True(t, bodylessMethod("get"))
	assert.True(t, bodylessMethod("HEAD"))
	assert.True(t, bodylessMethod("OPTIONS"))
	assert.False(t, bodylessMethod("POST"))
	assert.False(t, bodylessMethod("DELETE"))
}
