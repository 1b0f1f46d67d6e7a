package tunnel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultBaseDelay    = 250 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second

	backoffFactor    = 1.5
	jitterRatio      = 0.2
	handshakeTimeout = 45 * time.Second
)

// RequestInfo is the request shape handed to TransformRequest: the method,
// absolute URL and headers of the proxied request.
type RequestInfo struct {
	Method  string
	URL     string
	Headers map[string]string
}

// TransformFunc rewrites an incoming request to its local target. It is the
// only per-request routing hook; it may block (the context is cancelled
// when the stream goes away).
type TransformFunc func(ctx context.Context, req RequestInfo) (RequestInfo, error)

// Options configures a tunnel client.
type Options struct {
	// ServerURL is the tunnel server base URL (http, https, ws or wss).
	ServerURL string
	// Secret is the opaque credential sent on the connect request.
	Secret string
	// TransformRequest is required.
	TransformRequest TransformFunc

	// optional observers. Transport failures surface here, never as
	// returned errors: the client recovers by reconnecting.
	OnConnect    func(ConnectionEstablished)
	OnDisconnect func(err error)
	OnError      func(err error)

	// PingInterval is the keepalive interval. Zero means the default
	// (30s); a negative value disables keepalive. The config surface
	// exposes "0 disables" and maps it to a negative value here, so a
	// zero-valued Options still gets a working keepalive.
	PingInterval time.Duration
	// PongTimeout is how long to wait for a pong before the connection
	// is declared dead and terminated. Zero means the default (10s).
	PongTimeout time.Duration

	// reconnect backoff bounds. Zero values take the defaults
	// (250ms base, 10s max).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Records, when set, tracks active proxied streams per target.
	Records *ConnRecord
}

// Client owns the single outer websocket connection and everything hanging
// off it: the multiplexer, the reconnect backoff state and the keepalive
// timers. All of that state dies and is rebuilt with each connection.
type Client struct {
	opts       Options
	connectURL string
	httpClient *http.Client

	mu       sync.Mutex
	wsc      *ConcurrentWebSocket // nil while disconnected
	disposed bool
	done     chan struct{}
}

// NewClient validates options and prepares a client. The connection is not
// opened until Run is called.
func NewClient(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("tunnel: empty server url")
	}
	if opts.TransformRequest == nil {
		return nil, errors.New("tunnel: TransformRequest is required")
	}
	connectURL, err := buildConnectURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}

	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}

	return &Client{
		opts:       opts,
		connectURL: connectURL,
		httpClient: &http.Client{
			// redirect responses pass back verbatim: the redirect
			// target may not match what the transform assumes.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		done: make(chan struct{}),
	}, nil
}

// buildConnectURL upgrades the scheme to ws/wss and appends the connect
// endpoint.
func buildConnectURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("tunnel: bad server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	case "ws", "wss":
	default:
		return "", fmt.Errorf("tunnel: unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + ConnectPath
	return u.String(), nil
}

// Run connects and keeps the tunnel alive until Dispose: reconnecting with
// exponential backoff plus jitter after every drop, resetting the delay to
// base on each successful open. It never returns a transport error; those
// go to the OnError/OnDisconnect observers.
func (c *Client) Run() error {
	b := &backoff.Backoff{
		Min:    c.opts.BaseDelay,
		Max:    c.opts.MaxDelay,
		Factor: backoffFactor,
	}
	for {
		if c.isDisposed() {
			return nil
		}
		opened, err := c.connectAndServe(b)
		if c.isDisposed() {
			return nil
		}
		if err != nil {
			c.reportError(err)
		}
		if opened && c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(err)
		}

		delay := jitterDelay(b.Duration(), c.opts.MaxDelay)
		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}
	}
}

// jitterDelay adds up to 20% of random jitter on top of the exponential
// delay and re-caps at max, so synchronized clients do not retry in
// lockstep.
func jitterDelay(d, max time.Duration) time.Duration {
	d += time.Duration(float64(d) * jitterRatio * rand.Float64())
	if d > max {
		return max
	}
	return d
}

// connectAndServe opens one transport connection and blocks until it dies.
// opened reports whether the Open state was reached (a failed dial never
// fires OnDisconnect).
func (c *Client) connectAndServe(b *backoff.Backoff) (opened bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		// per-message compression stays off for latency and CPU
		// predictability on proxied traffic.
		EnableCompression: false,
	}
	header := http.Header{}
	header.Set(SecretHeader, c.opts.Secret)

	conn, resp, err := dialer.Dial(c.connectURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("tunnel: connect failed (%s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("tunnel: connect failed: %w", err)
	}

	session := ksuid.New()
	logger := log.WithField("session", session.String())
	logger.WithField("server", c.connectURL).Info("tunnel transport connected")
	b.Reset()

	wsc := &ConcurrentWebSocket{WsConn: conn}
	if !c.adoptConn(wsc) {
		// disposed while dialing
		_ = wsc.WSClose()
		return false, nil
	}
	defer c.dropConn()

	mux := NewMultiplexer(wsc.WriteBinary)
	mux.OnStream(func(s *Stream) {
		c.handleStream(s, logger)
	})
	defer mux.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keepalive := newKeepalive(conn, c.opts.PongTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)
	if c.opts.PingInterval > 0 {
		g.Go(func() error {
			return keepalive.run(gctx, c.opts.PingInterval)
		})
	}
	g.Go(func() error {
		defer cancel()
		return c.readLoop(conn, mux, logger)
	})

	err = g.Wait()
	keepalive.stop()
	_ = conn.Close()
	logger.WithError(err).Info("tunnel transport disconnected")
	return true, err
}

// readLoop routes every inbound transport message: the one-shot JSON
// connection-established control message goes to OnConnect, everything
// else verbatim to the multiplexer.
func (c *Client) readLoop(conn *websocket.Conn, mux *Multiplexer, logger *log.Entry) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ce, ok := ParseConnectionEstablished(data); ok {
			logger.WithFields(log.Fields{
				"url": ce.URL,
				"id":  ce.ID,
			}).Info("tunnel established")
			if c.opts.OnConnect != nil {
				c.opts.OnConnect(ce)
			}
			continue
		}
		if err := mux.HandleMessage(data); err != nil {
			logger.WithError(err).Debug("dropping unroutable transport message")
		}
	}
}

func (c *Client) adoptConn(wsc *ConcurrentWebSocket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	c.wsc = wsc
	return true
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsc = nil
}

func (c *Client) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Client) reportError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	} else {
		log.WithError(err).Warn("tunnel error")
	}
}

// Dispose tears the client down for good: closes the transport with a
// normal close code and guarantees no further reconnect, even from a
// pending backoff timer. Safe to call from any state, idempotent.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	wsc := c.wsc
	close(c.done)
	c.mu.Unlock()

	if wsc != nil {
		_ = wsc.WSClose()
	}
}

// keepalive sends transport pings on an interval and terminates the
// connection if a pong does not come back in time. A pong received at any
// time clears the pending timeout.
type keepalive struct {
	conn   *websocket.Conn
	logger *log.Entry

	mu        sync.Mutex
	pongTimer *time.Timer
	timeout   time.Duration
	stopped   bool
}

func newKeepalive(conn *websocket.Conn, timeout time.Duration, logger *log.Entry) *keepalive {
	k := &keepalive{conn: conn, timeout: timeout, logger: logger}
	conn.SetPongHandler(func(string) error {
		k.clearTimeout()
		return nil
	})
	return k
}

func (k *keepalive) run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := k.ping(); err != nil {
				return fmt.Errorf("tunnel: keepalive ping failed: %w", err)
			}
		}
	}
}

func (k *keepalive) ping() error {
	deadline := time.Now().Add(writeTimeout)
	if err := k.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped || k.pongTimer != nil {
		return nil
	}
	k.pongTimer = time.AfterFunc(k.timeout, func() {
		k.logger.Warn("pong timeout, terminating dead connection")
		_ = k.conn.Close()
	})
	return nil
}

func (k *keepalive) clearTimeout() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pongTimer != nil {
		k.pongTimer.Stop()
		k.pongTimer = nil
	}
}

func (k *keepalive) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	if k.pongTimer != nil {
		k.pongTimer.Stop()
		k.pongTimer = nil
	}
}
