package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// localWebSocket wraps the bridged local connection with a write mutex;
// gorilla connections do not support concurrent writers.
type localWebSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ws *localWebSocket) writeMessage(msgType int, data []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn.WriteMessage(msgType, data)
}

func (ws *localWebSocket) close() error {
	return ws.conn.Close()
}

// runWebSocket bridges the stream to a local websocket connection.
func (p *streamProxy) runWebSocket(req ProxyInitRequest) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("websocket bridge panicked")
			p.failWebSocket(fmt.Errorf("bridge failure: %v", r))
		}
	}()

	out, err := p.client.opts.TransformRequest(p.ctx, RequestInfo{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
	})
	if err != nil {
		p.failWebSocket(fmt.Errorf("transform request: %w", err))
		return
	}

	headers := stripWebSocketHandshake(stripHopByHop(out.Headers))

	u, err := url.Parse(out.URL)
	if err != nil {
		p.failWebSocket(fmt.Errorf("bad target url: %w", err))
		return
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: false,
	}
	// the original Sec-WebSocket-Protocol rides as the sub-protocol offer
	if proto, ok := headerLookup(req.Headers, "Sec-WebSocket-Protocol"); ok {
		for _, token := range strings.Split(proto, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dialer.Subprotocols = append(dialer.Subprotocols, token)
			}
		}
	}
	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(p.ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			p.failWebSocket(fmt.Errorf("dial %s (%s): %w", u.Host, resp.Status, err))
		} else {
			p.failWebSocket(fmt.Errorf("dial %s: %w", u.Host, err))
		}
		return
	}

	ws := &localWebSocket{conn: conn}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ws.close()
		return
	}
	p.mu.Unlock()

	init := ProxyInitResponse{
		StatusCode:    http.StatusSwitchingProtocols,
		StatusMessage: "Switching Protocols",
		Headers:       map[string]string{},
	}
	initPayload, err := json.Marshal(init)
	if err == nil {
		err = p.stream.WriteTyped(byte(ClientProxyInit), initPayload)
	}
	if err != nil {
		_ = ws.close()
		return
	}

	release := p.client.opts.Records.track(u.Host)
	go p.localReadLoop(ws, release)

	// Drain the frames that raced ahead of the local connection, then
	// publish it. localWS stays nil until the buffer is empty so frames
	// arriving mid-drain keep buffering instead of jumping the queue.
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = ws.close()
			return
		}
		if len(p.wsPending) == 0 {
			p.localWS = ws
			p.mu.Unlock()
			return
		}
		pending := p.wsPending
		p.wsPending = nil
		p.mu.Unlock()

		for _, frame := range pending {
			p.handleWSFrame(ws, frame[0], frame[1:])
		}
	}
}

// localReadLoop pumps the local websocket back over the stream until the
// local side closes or errors.
func (p *streamProxy) localReadLoop(ws *localWebSocket, release func()) {
	defer release()
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			remoteClosed := p.wsClosedByRemote
			p.mu.Unlock()
			if !remoteClosed {
				closePayload := WebSocketClosePayload{}
				var ce *websocket.CloseError
				switch {
				case errors.As(err, &ce):
					if ce.Code != websocket.CloseNoStatusReceived {
						closePayload.Code = ce.Code
					}
					closePayload.Reason = ce.Text
				default:
					closePayload.Code = websocket.CloseInternalServerErr
					closePayload.Reason = err.Error()
				}
				payload, merr := json.Marshal(closePayload)
				if merr == nil {
					// the stream may already be gone during teardown;
					// that is expected, not a bug
					_ = p.stream.WriteTyped(byte(ClientProxyWebSocketClose), payload)
				}
			}
			_ = p.stream.Close()
			_ = ws.close()
			return
		}

		enc := EncodeWebSocketMessage(WebSocketPayload{
			IsText: msgType == websocket.TextMessage,
			Data:   data,
		})
		if err := p.stream.WriteTyped(byte(ClientProxyWebSocketMessage), enc); err != nil {
			_ = ws.close()
			return
		}
	}
}

// handleWSFrame applies one inbound stream frame to the open local
// websocket.
func (p *streamProxy) handleWSFrame(ws *localWebSocket, tag byte, payload []byte) {
	switch ServerMessageType(tag) {
	case ServerProxyWebSocketMessage:
		msg, err := DecodeWebSocketMessage(payload)
		if err != nil {
			p.log.WithError(err).Debug("dropping malformed websocket message")
			return
		}
		msgType := websocket.BinaryMessage
		if msg.IsText {
			msgType = websocket.TextMessage
		}
		if err := ws.writeMessage(msgType, msg.Data); err != nil {
			p.log.WithError(err).Debug("write to local websocket failed")
		}

	case ServerProxyWebSocketClose:
		var cp WebSocketClosePayload
		// a malformed payload falls back to closing without a code
		_ = json.Unmarshal(payload, &cp)
		frame := []byte{}
		if cp.ValidCode() {
			frame = websocket.FormatCloseMessage(cp.Code, cp.Reason)
		}
		// the read loop must not echo this close back over the stream
		p.mu.Lock()
		p.wsClosedByRemote = true
		p.mu.Unlock()
		_ = ws.writeMessage(websocket.CloseMessage, frame)
		_ = ws.close()

	default:
		// forward-extensible: unknown tags are ignored
	}
}

// failWebSocket mirrors the HTTP failure path: synthetic 502 with empty
// headers, then close.
func (p *streamProxy) failWebSocket(err error) {
	p.log.WithError(err).Warn("websocket bridge failed")
	p.writeBadGateway("", map[string]string{})
	_ = p.stream.Close()
}
