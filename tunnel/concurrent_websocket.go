package tunnel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// add lock to websocket connection to make sure only one goroutine can
// write this websocket. Streams write concurrently and gorilla connections
// do not support concurrent writers.
type ConcurrentWebSocket struct {
	WsConn *websocket.Conn
	mu     sync.Mutex
}

// write one binary transport message.
func (wsc *ConcurrentWebSocket) WriteBinary(data []byte) error {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	_ = wsc.WsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsc.WsConn.WriteMessage(websocket.BinaryMessage, data)
}

// send a normal close frame (code 1000) and close the connection.
func (wsc *ConcurrentWebSocket) WSClose() error {
	deadline := time.Now().Add(time.Second)
	_ = wsc.WsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return wsc.WsConn.Close()
}
