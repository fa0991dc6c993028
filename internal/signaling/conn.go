package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// conn is one participant's WebSocket. Reads happen on the serving goroutine;
// all data frames are written by writePump.
type conn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger

	send chan []byte
	done chan struct{}

	// room is guarded by Hub.mu.
	room string

	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, queue int, log *slog.Logger) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		log:  log,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue queues msg without blocking. It reports false when the queue is
// full or the connection is closed.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame before tearing the connection down.
func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
