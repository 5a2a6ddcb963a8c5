package signal

import (
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/metrics"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sid domain.ParticipantID, m protocol.Join) {
	if err := m.RoomID.Validate(); err != nil {
		ctl.Orch.ProtocolViolation(sid, err)
		return
	}
	if !ctl.limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("room", string(m.RoomID)).Msg("join rate limited")
		ctl.Orch.Metrics.Dropped(metrics.ReasonRateLimited, 1)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(m.RoomID)).Msg("join")
	ctl.Orch.Route(sid, m)
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid domain.ParticipantID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Route(sid, protocol.Leave{})
}
