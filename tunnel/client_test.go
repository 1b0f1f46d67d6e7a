package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityTransform(_ context.Context, req RequestInfo) (RequestInfo, error) {
	return req, nil
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{TransformRequest: identityTransform})
	assert.Error(t, err)

	_, err = NewClient(Options{ServerURL: "https://tunnel.test"})
	assert.Error(t, err)

	_, err = NewClient(Options{ServerURL: "ftp://tunnel.test", TransformRequest: identityTransform})
	assert.Error(t, err)
}

func TestBuildConnectURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://tunnel.test", "wss://tunnel.test" + ConnectPath},
		{"http://tunnel.test", "ws://tunnel.test" + ConnectPath},
		{"http://tunnel.test/", "ws://tunnel.test" + ConnectPath},
		{"wss://tunnel.test", "wss://tunnel.test" + ConnectPath},
		{"ws://tunnel.test:8080/base", "ws://tunnel.test:8080/base" + ConnectPath},
	}
	for _, tt := range tests {
		got, err := buildConnectURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestJitterDelayBounds(t *testing.T) {
	base := 200 * time.Millisecond
	max := 10 * time.Second
	for i := 0; i < 200; i++ {
		d := jitterDelay(base, max)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/5)
	}
	// jitter never pushes past the cap
	assert.Equal(t, max, jitterDelay(max, max))
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 10 * time.Second, Factor: backoffFactor}

	prev := time.Duration(0)
	for i := 0; i < 15; i++ {
		d := b.Duration()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 10*time.Second)
		prev = d
	}
	assert.Equal(t, 10*time.Second, prev)

	b.Reset()
	assert.Equal(t, 250*time.Millisecond, b.Duration())
}

// establishedServer upgrades connections at the connect endpoint, pushes
// the one-shot control message and then behaves per the handler hook.
func establishedServer(t *testing.T, secretCh chan<- string, after func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ConnectPath, r.URL.Path)
		if secretCh != nil {
			secretCh <- r.Header.Get(SecretHeader)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"url":"https://abc.tunnel.test","id":"k123"}`)); err != nil {
			return
		}
		after(conn)
	}))
}

func drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClientConnectHandshake(t *testing.T) {
	secretCh := make(chan string, 1)
	srv := establishedServer(t, secretCh, drainUntilClosed)
	defer srv.Close()

	connected := make(chan ConnectionEstablished, 1)
	c, err := NewClient(Options{
		ServerURL:        srv.URL,
		Secret:           "s3cret",
		TransformRequest: identityTransform,
		PingInterval:     -1,
		OnConnect:        func(ce ConnectionEstablished) { connected <- ce },
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	select {
	case secret := <-secretCh:
		assert.Equal(t, "s3cret", secret)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the connect request")
	}
	select {
	case ce := <-connected:
		assert.Equal(t, "https://abc.tunnel.test", ce.URL)
		assert.Equal(t, "k123", ce.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for OnConnect")
	}

	c.Dispose()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Dispose")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	// the server drops every connection right after the handshake
	srv := establishedServer(t, nil, func(conn *websocket.Conn) {
		_ = conn.Close()
	})
	defer srv.Close()

	connected := make(chan ConnectionEstablished, 8)
	disconnected := make(chan error, 8)
	c, err := NewClient(Options{
		ServerURL:        srv.URL,
		TransformRequest: identityTransform,
		PingInterval:     -1,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		OnConnect:        func(ce ConnectionEstablished) { connected <- ce },
		OnDisconnect:     func(err error) { disconnected <- err },
		OnError:          func(error) {},
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for connection #%d", i+1)
		}
	}
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
	}

	c.Dispose()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Dispose")
	}
}

func TestClientDisposeStopsRetrying(t *testing.T) {
	// the server never accepts the upgrade
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	errs := make(chan error, 8)
	c, err := NewClient(Options{
		ServerURL:        srv.URL,
		TransformRequest: identityTransform,
		PingInterval:     -1,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         20 * time.Millisecond,
		OnError:          func(err error) { errs <- err },
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "connect failed")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the connect error")
	}

	c.Dispose()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Dispose")
	}
}

func TestClientPongTimeoutTerminatesConnection(t *testing.T) {
	srv := establishedServer(t, nil, func(conn *websocket.Conn) {
		// swallow pings so no pong ever goes back
		conn.SetPingHandler(func(string) error { return nil })
		drainUntilClosed(conn)
	})
	defer srv.Close()

	disconnected := make(chan error, 8)
	c, err := NewClient(Options{
		ServerURL:        srv.URL,
		TransformRequest: identityTransform,
		PingInterval:     30 * time.Millisecond,
		PongTimeout:      60 * time.Millisecond,
		BaseDelay:        time.Second,
		OnDisconnect:     func(err error) { disconnected <- err },
		OnError:          func(error) {},
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()
	defer func() {
		c.Dispose()
		<-runDone
	}()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("dead connection was never terminated")
	}
}

func TestClientPongKeepsConnectionAlive(t *testing.T) {
	// default ping handler answers with pongs
	srv := establishedServer(t, nil, drainUntilClosed)
	defer srv.Close()

	disconnected := make(chan error, 8)
	c, err := NewClient(Options{
		ServerURL:        srv.URL,
		TransformRequest: identityTransform,
		PingInterval:     20 * time.Millisecond,
		PongTimeout:      500 * time.Millisecond,
		OnDisconnect:     func(err error) { disconnected <- err },
		OnError:          func(error) {},
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	select {
	case err := <-disconnected:
		t.Fatalf("healthy connection dropped: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	c.Dispose()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Dispose")
	}
}
