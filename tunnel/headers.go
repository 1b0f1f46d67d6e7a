package tunnel

import (
	"net/http"
	"strings"
)

// hop-by-hop headers are meaningful for one transport leg only and must
// not be forwarded across the proxy boundary.
var hopByHopHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"proxy-connection",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
}

// websocket handshake headers are re-created by the local dialer and would
// be rejected as duplicates if forwarded.
var wsHandshakeHeaders = []string{
	"sec-websocket-key",
	"sec-websocket-version",
	"sec-websocket-extensions",
	"sec-websocket-protocol",
	"sec-websocket-accept",
}

// headerLookup finds a header value by case-insensitive name. Storage in
// ProxyInitRequest keeps the sender's casing.
func headerLookup(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// stripHopByHop returns a copy of headers without the hop-by-hop set and
// without any header named by a token inside the Connection value
// (comma-separated, case-insensitive).
func stripHopByHop(headers map[string]string) map[string]string {
	drop := make(map[string]struct{}, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		drop[h] = struct{}{}
	}
	if conn, ok := headerLookup(headers, "connection"); ok {
		for _, token := range strings.Split(conn, ",") {
			token = strings.ToLower(strings.TrimSpace(token))
			if token != "" {
				drop[token] = struct{}{}
			}
		}
	}

	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, found := drop[strings.ToLower(k)]; found {
			continue
		}
		out[k] = v
	}
	return out
}

// stripWebSocketHandshake removes the handshake headers the local websocket
// dialer will set itself.
func stripWebSocketHandshake(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		skip := false
		for _, h := range wsHandshakeHeaders {
			if strings.EqualFold(k, h) {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}

// flattenResponseHeader folds a response header into the single-value map
// carried by ProxyInitResponse, lifting Set-Cookie values out into their
// own ordered list (they cannot be folded into one value).
func flattenResponseHeader(h http.Header) (headers map[string]string, cookies []string) {
	headers = make(map[string]string, len(h))
	for k, values := range h {
		if strings.EqualFold(k, "Set-Cookie") || strings.EqualFold(k, CookieHeader) {
			continue
		}
		headers[k] = strings.Join(values, ", ")
	}
	cookies = h.Values("Set-Cookie")
	return headers, cookies
}

// bodylessMethod reports whether the original request method carries no
// body regardless of what body frames were received.
func bodylessMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
