package server

import (
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds every write to the peer.
const writeWait = 10 * time.Second

// wsConn adapts a gorilla connection to session.Conn.
type wsConn struct {
	conn        *websocket.Conn
	pongTimeout time.Duration
}

func newWSConn(conn *websocket.Conn, pingInterval time.Duration) *wsConn {
	c := &wsConn{conn: conn}
	if pingInterval > 0 {
		c.pongTimeout = pingInterval * 2
		conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		})
	}
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil && c.pongTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	}
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and closes the socket. A failed close frame is
// ignored since the socket is going away anyway.
func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}
