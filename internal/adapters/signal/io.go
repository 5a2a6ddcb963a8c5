package signal

import (
	"context"
	"time"

	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ctl.ping(c); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.ParticipantID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.Disconnect(sid)
		ctl.limiter.Forget(sid)
		cancel()
		c.Close()
	}()

	ctl.keepalive(c)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			typ, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			if typ != websocket.TextMessage {
				ctl.Orch.ProtocolViolation(sid, errBinaryFrame)
				continue
			}
			ctl.handleSignal(sid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid domain.ParticipantID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		ctl.Orch.ProtocolViolation(sid, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Join:
		ctl.handleJoin(sid, m)
	case protocol.Leave:
		ctl.handleLeave(sid)
	default:
		ctl.Orch.Route(sid, msg)
	}
}
