package tunnel

import (
	"encoding/json"
	"errors"
)

// Message type tags carried as the first payload byte of every multiplexed
// data frame. The numeric values are shared between the two directions but
// the meaning differs (a 0x02 from the server is a request body chunk, a
// 0x02 from the client is response data), so each direction gets its own
// enum and encoding always goes through the direction-specific type.

// ServerMessageType tags messages sent by the tunnel server to this client.
type ServerMessageType byte

const (
	ServerProxyInit             ServerMessageType = 0x01
	ServerProxyBody             ServerMessageType = 0x02
	ServerProxyWebSocketMessage ServerMessageType = 0x03
	ServerProxyWebSocketClose   ServerMessageType = 0x04
)

// ClientMessageType tags messages sent by this client to the tunnel server.
type ClientMessageType byte

const (
	ClientProxyInit             ClientMessageType = 0x01
	ClientProxyData             ClientMessageType = 0x02
	ClientProxyWebSocketMessage ClientMessageType = 0x03
	ClientProxyWebSocketClose   ClientMessageType = 0x04
)

const (
	// SecretHeader carries the tunnel credential on the connect request.
	SecretHeader = "x-tunnel-secret"
	// CookieHeader is the vendor header carrying Set-Cookie values as a
	// JSON array, so multiple cookies survive the single-value header map.
	CookieHeader = "x-tunnel-cookies"
	// ConnectPath is the upgrade endpoint on the tunnel server.
	ConnectPath = "/api/tunnel/connect"
)

// ProxyInitRequest is the JSON payload of a server PROXY_INIT message,
// describing the browser request that opened the stream.
type ProxyInitRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// ProxyInitResponse is the JSON payload of a client PROXY_INIT message,
// the response head written back before any data frames.
// Set-Cookie values travel in SetCookies since they cannot be folded into
// a single header map value.
type ProxyInitResponse struct {
	StatusCode    int               `json:"status_code"`
	StatusMessage string            `json:"status_message"`
	Headers       map[string]string `json:"headers"`
	SetCookies    []string          `json:"set_cookies,omitempty"`
}

// WebSocketClosePayload is the JSON payload of PROXY_WEBSOCKET_CLOSE in
// both directions.
type WebSocketClosePayload struct {
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ValidCode reports whether Code may be put on a websocket close frame.
// Everything outside 1000 and [3000,4999] closes without a code.
func (p WebSocketClosePayload) ValidCode() bool {
	return p.Code == 1000 || (p.Code >= 3000 && p.Code <= 4999)
}

// ConnectionEstablished is the one-shot JSON text message sent by the
// server right after the outer websocket opens. It is not multiplexed.
type ConnectionEstablished struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// ParseConnectionEstablished tests whether data is the connection-established
// control message. Multiplexed frames never start with '{' (see mux framing),
// but a JSON parse failure still falls through to normal frame handling
// instead of failing the pipeline.
func ParseConnectionEstablished(data []byte) (ConnectionEstablished, bool) {
	if len(data) == 0 || data[0] != '{' {
		return ConnectionEstablished{}, false
	}
	var ce ConnectionEstablished
	if err := json.Unmarshal(data, &ce); err != nil {
		return ConnectionEstablished{}, false
	}
	if ce.URL == "" || ce.ID == "" {
		return ConnectionEstablished{}, false
	}
	return ce, true
}

// payload marker bytes for proxied websocket messages.
const (
	wsPayloadText   byte = 0x00
	wsPayloadBinary byte = 0x01
)

// ErrEmptyMessage is returned when a websocket message payload has no
// marker byte. Producing such a payload is a bug on the sending side.
var ErrEmptyMessage = errors.New("tunnel: empty websocket message payload")

// WebSocketPayload is one proxied websocket message. Text messages keep
// their text-ness across the tunnel; Data holds the UTF-8 bytes.
type WebSocketPayload struct {
	IsText bool
	Data   []byte
}

// EncodeWebSocketMessage prepends the text/binary marker byte.
// A zero-length Data is valid (empty message).
func EncodeWebSocketMessage(p WebSocketPayload) []byte {
	buf := make([]byte, 1+len(p.Data))
	if p.IsText {
		buf[0] = wsPayloadText
	} else {
		buf[0] = wsPayloadBinary
	}
	copy(buf[1:], p.Data)
	return buf
}

// DecodeWebSocketMessage reads the marker byte: 0x00 means text, anything
// else means binary. An empty input is rejected, never silently defaulted.
func DecodeWebSocketMessage(data []byte) (WebSocketPayload, error) {
	if len(data) == 0 {
		return WebSocketPayload{}, ErrEmptyMessage
	}
	return WebSocketPayload{
		IsText: data[0] == wsPayloadText,
		Data:   data[1:],
	}, nil
}
