package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the write side of one call leg. Both the Twilio media stream and
// the ElevenLabs conversation socket are driven through this interface so the
// bridge can be exercised without a network.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

const writeTimeout = 10 * time.Second

// wsConn wraps a gorilla connection with serialized writes and an idempotent
// close. Reads stay with the owning read loop.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func WrapConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (w *wsConn) WriteJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Close() error {
	var retErr error
	w.closeOnce.Do(func() {
		retErr = w.conn.Close()
	})
	return retErr
}
