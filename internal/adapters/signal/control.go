package signal

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

var errBinaryFrame = errors.New("binary frame")

// keepalive arms the read deadline and extends it on every pong.
func (ctl *SignalWSController) keepalive(c *WsSignalConn) {
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})
}

func (ctl *SignalWSController) ping(c *WsSignalConn) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait))
}
