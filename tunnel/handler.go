package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// handler modes: the first frame on a stream decides which path the
// stream takes, and the mode never changes afterwards.
const (
	modeDispatch = iota
	modeHTTP
	modeWebSocket
)

const copyBufferSize = 32 * 1024

// streamProxy owns exactly one stream, one outbound request and (for the
// websocket path) one local websocket. There is no cross-stream state.
type streamProxy struct {
	stream *Stream
	client *Client
	log    *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mode  int
	bodyW *io.PipeWriter

	mu               sync.Mutex
	localWS          *localWebSocket
	wsPending        [][]byte // inbound frames buffered until the local websocket opens
	wsClosedByRemote bool     // tunnel peer sent the websocket close
	closed           bool
}

// handleStream is invoked once per server-opened stream. All per-frame
// work runs on the stream's dispatch goroutine; the outbound request runs
// on its own goroutine so it never delays other streams or keepalive.
func (c *Client) handleStream(s *Stream, logger *log.Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &streamProxy{
		stream: s,
		client: c,
		log:    logger.WithField("stream", s.ID()),
		ctx:    ctx,
		cancel: cancel,
	}
	s.OnData(p.onData)
	s.OnClose(p.onClose)
}

func (p *streamProxy) onData(frame []byte) {
	if len(frame) == 0 {
		p.log.Debug("ignoring empty frame")
		return
	}
	tag := frame[0]
	payload := frame[1:]

	switch p.mode {
	case modeDispatch:
		p.dispatch(tag, payload)

	case modeHTTP:
		if ServerMessageType(tag) != ServerProxyBody {
			// unknown tags are ignored: the protocol is forward-extensible
			return
		}
		if len(payload) == 0 {
			// zero-length body frame signals end of body
			_ = p.bodyW.Close()
			return
		}
		// blocks only this stream's dispatch goroutine until the
		// outbound request consumes the chunk
		_, _ = p.bodyW.Write(payload)

	case modeWebSocket:
		p.mu.Lock()
		ws := p.localWS
		if ws == nil && !p.closed {
			p.wsPending = append(p.wsPending, frame)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		if ws != nil {
			p.handleWSFrame(ws, tag, payload)
		}
	}
}

// dispatch classifies the first frame on the stream. The body sink is
// created synchronously here, before any asynchronous work, so body frames
// interleaved with PROXY_INIT processing always have somewhere to land.
func (p *streamProxy) dispatch(tag byte, payload []byte) {
	if ServerMessageType(tag) != ServerProxyInit {
		p.log.WithField("tag", tag).Debug("ignoring frame before init")
		return
	}
	var req ProxyInitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		p.log.WithError(err).Warn("malformed proxy init payload")
		p.writeBadGateway(fmt.Sprintf("malformed proxy init: %v", err), textPlainHeaders())
		_ = p.stream.Close()
		return
	}

	if upgrade, ok := headerLookup(req.Headers, "upgrade"); ok &&
		strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		p.mode = modeWebSocket
		go p.runWebSocket(req)
		return
	}

	p.mode = modeHTTP
	pr, pw := io.Pipe()
	p.bodyW = pw
	go p.runHTTP(req, pr)
}

// onClose fires when the remote side or the transport tears the stream
// down: abort the outbound fetch and close the local websocket so nothing
// leaks across reconnects.
func (p *streamProxy) onClose() {
	p.cancel()
	p.mu.Lock()
	p.closed = true
	ws := p.localWS
	p.wsPending = nil
	p.mu.Unlock()

	if p.bodyW != nil {
		_ = p.bodyW.CloseWithError(ErrStreamClosed)
	}
	if ws != nil {
		_ = ws.close()
	}
}

// runHTTP proxies one HTTP request end to end and closes the stream.
func (p *streamProxy) runHTTP(req ProxyInitRequest, body *io.PipeReader) {
	defer func() { _ = p.stream.Close() }()
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("http proxy panicked")
			p.writeBadGateway(fmt.Sprintf("proxy failure: %v", r), textPlainHeaders())
		}
	}()

	out, err := p.client.opts.TransformRequest(p.ctx, RequestInfo{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
	})
	if err != nil {
		p.failHTTP(fmt.Errorf("transform request: %w", err))
		return
	}

	headers := stripHopByHop(out.Headers)

	u, err := url.Parse(out.URL)
	if err != nil {
		p.failHTTP(fmt.Errorf("bad target url: %w", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		u.Scheme = "http"
	}

	// body presence follows the original method, not the transformed one
	var reqBody io.Reader
	if bodylessMethod(req.Method) {
		_ = body.Close()
	} else {
		reqBody = body
	}

	httpReq, err := http.NewRequestWithContext(p.ctx, out.Method, u.String(), reqBody)
	if err != nil {
		p.failHTTP(fmt.Errorf("build request: %w", err))
		return
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if host, ok := headerLookup(headers, "host"); ok {
		httpReq.Host = host
	}

	release := p.client.opts.Records.track(u.Host)
	defer release()

	resp, err := p.client.httpClient.Do(httpReq)
	if err != nil {
		p.failHTTP(fmt.Errorf("request %s: %w", u.Host, err))
		return
	}
	defer resp.Body.Close()

	headersOut, cookies := flattenResponseHeader(resp.Header)
	if len(cookies) > 0 {
		enc, err := json.Marshal(cookies)
		if err == nil {
			headersOut[CookieHeader] = string(enc)
		}
	}
	init := ProxyInitResponse{
		StatusCode:    resp.StatusCode,
		StatusMessage: statusMessage(resp),
		Headers:       headersOut,
		SetCookies:    cookies,
	}
	initPayload, err := json.Marshal(init)
	if err != nil {
		p.failHTTP(fmt.Errorf("encode response head: %w", err))
		return
	}
	if err := p.stream.WriteTyped(byte(ClientProxyInit), initPayload); err != nil {
		return
	}

	// stream the body chunk by chunk, preserving order
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if werr := p.stream.WriteTyped(byte(ClientProxyData), buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// failHTTP emits the synthetic 502 response for this stream only; other
// streams and the outer connection are unaffected.
func (p *streamProxy) failHTTP(err error) {
	p.log.WithError(err).Warn("proxy request failed")
	p.writeBadGateway(err.Error(), textPlainHeaders())
}

func (p *streamProxy) writeBadGateway(msg string, headers map[string]string) {
	init := ProxyInitResponse{
		StatusCode:    http.StatusBadGateway,
		StatusMessage: "Bad Gateway",
		Headers:       headers,
	}
	payload, err := json.Marshal(init)
	if err != nil {
		return
	}
	// writes on a torn-down stream are expected during teardown
	if err := p.stream.WriteTyped(byte(ClientProxyInit), payload); err != nil {
		return
	}
	if msg != "" {
		_ = p.stream.WriteTyped(byte(ClientProxyData), []byte(msg))
	}
}

func textPlainHeaders() map[string]string {
	return map[string]string{"content-type": "text/plain"}
}

// statusMessage recovers the reason phrase from the response status line.
func statusMessage(resp *http.Response) string {
	msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}
