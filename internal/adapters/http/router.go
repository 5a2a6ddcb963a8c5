package http

import (
	"context"
	nethttp "net/http"

	"github.com/dkeye/meetrelay/internal/adapters/signal"
	"github.com/dkeye/meetrelay/internal/app/orch"
	"github.com/dkeye/meetrelay/internal/config"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ParticipantIDMiddleware assigns a fresh participant id to every request.
// Ids are never derived from cookies so a reconnect always gets a new one.
func ParticipantIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(signal.ParticipantKey, string(domain.NewParticipantID()))
		c.Next()
	}
}

func SignalOptions(cfg *config.Config) signal.Options {
	return signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
		JoinLimit:  cfg.JoinRate.Limit,
		JoinWindow: cfg.JoinRate.Interval,
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctrl := signal.NewSignalWSController(o, SignalOptions(cfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(nethttp.StatusOK, "ok")
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	r.GET("/ws", ParticipantIDMiddleware(), func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString(signal.ParticipantKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(nethttp.StatusOK, o.Rooms.List())
	})
	api.DELETE("/rooms/:roomId", func(c *gin.Context) {
		if !o.EvictRoom(domain.RoomID(c.Param("roomId"))) {
			c.JSON(nethttp.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Status(nethttp.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
