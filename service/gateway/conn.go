package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"PPresence/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State of one connection. Disconnected is terminal.
type State int32

const (
	Connecting State = iota
	Authenticated
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	default:
		return "disconnected"
	}
}

// ConnInfo describes a connection to hooks.
type ConnInfo struct {
	ConnID    string
	UserID    string
	SessionID string
	Namespace string
}

// WsConn is one live websocket. Only its writer goroutine writes to the socket.
type WsConn struct {
	info  ConnInfo
	ws    *websocket.Conn
	send  chan []byte
	state atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
	reason    atomic.Value // string
	written   chan struct{}

	connectedAt time.Time
}

func newWsConn(ws *websocket.Conn, info ConnInfo, queue int) *WsConn {
	if queue <= 0 {
		queue = 256
	}
	c := &WsConn{
		info:    info,
		ws:      ws,
		send:    make(chan []byte, queue),
		done:    make(chan struct{}),
		written: make(chan struct{}),

		connectedAt: time.Now(),
	}
	c.state.Store(int32(Connecting))
	return c
}

func (c *WsConn) ID() string       { return c.info.ConnID }
func (c *WsConn) Info() ConnInfo   { return c.info }
func (c *WsConn) State() State     { return State(c.state.Load()) }
func (c *WsConn) setState(s State) { c.state.Store(int32(s)) }

// Emit queues a frame. A full queue drops it.
func (c *WsConn) Emit(event string, data json.RawMessage, ackID string) bool {
	b, err := encodeFrame(event, data, ackID)
	if err != nil {
		logger.Warn("[gateway] encode frame", zap.String("conn_id", c.info.ConnID), zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		logger.Debug("[gateway] send queue full, drop frame", zap.String("conn_id", c.info.ConnID), zap.String("event", event))
		return false
	}
}

// Close asks the writer to send a close frame and drop the socket.
func (c *WsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

func (c *WsConn) Reason() string {
	if v, ok := c.reason.Load().(string); ok {
		return v
	}
	return ""
}

// writePump 写协程：业务帧优先，其次 ping；退出时统一发 Close 并关闭底层连接
func (c *WsConn) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		code := websocket.CloseNormalClosure
		if c.Reason() == "shutdown" {
			code = websocket.CloseServiceRestart
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, c.Reason()))
		_ = c.ws.Close()
		close(c.written)
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("[gateway] write err", zap.String("conn_id", c.info.ConnID), zap.Error(err))
				c.Close("write_error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Debug("[gateway] ping err", zap.String("conn_id", c.info.ConnID), zap.Error(err))
				c.Close("ping_error")
				return
			}
		case <-c.done:
			c.flush(writeWait)
			return
		}
	}
}

// flush writes whatever is already queued before closing.
func (c *WsConn) flush(writeWait time.Duration) {
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
