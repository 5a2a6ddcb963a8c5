package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/meetrelay/internal/adapters/rtc"
	"github.com/dkeye/meetrelay/internal/client/media"
	"github.com/dkeye/meetrelay/internal/client/negotiation"
	clientsignal "github.com/dkeye/meetrelay/internal/client/signal"
	"github.com/dkeye/meetrelay/internal/config"
	"github.com/dkeye/meetrelay/internal/domain"
)

var (
	v         = viper.New()
	roomID    string
	mediaName string

	rootCmd = &cobra.Command{
		Use:   "peer",
		Short: "Join a relay room and negotiate media with every participant",
		Long: `peer connects to a meetrelay server, joins a room and negotiates a
WebRTC connection with every other member. Lines read from stdin are sent
as chat messages.`,
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&roomID, "room", "r", "", "room to join")
	flags.StringVarP(&mediaName, "media", "m", "none", "media source: none, synthetic or denied")
	flags.StringP("server", "s", "", "relay websocket url")
	flags.Duration("retry-delay", 0, "delay between reconnect attempts")
	flags.String("log-level", "", "log level")
	_ = rootCmd.MarkFlagRequired("room")

	_ = v.BindPFlag("client.server_url", flags.Lookup("server"))
	_ = v.BindPFlag("client.retry_delay", flags.Lookup("retry-delay"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadWith(v)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	src, err := media.ByName(mediaName, "meetrelay")
	if err != nil {
		return err
	}

	opts := clientsignal.DefaultOptions(cfg.Client.ServerURL)
	opts.RetryDelay = cfg.Client.RetryDelay
	opts.PingPeriod = cfg.PingPeriod
	opts.PongWait = cfg.PongWait
	opts.WriteWait = cfg.WriteWait
	opts.ReadLimit = cfg.ReadLimit
	opts.Buffer = cfg.Client.EventBuffer

	coord := negotiation.New(negotiation.Options{
		Transport:   clientsignal.New(opts),
		NewPeer:     rtc.Factory(rtc.Config(cfg.Client.ICEServers)),
		Media:       src,
		EventBuffer: cfg.Client.EventBuffer,
	})
	defer coord.Cleanup()
	sub := coord.Subscribe()
	coord.Start(ctx)

	if err := coord.Join(ctx, domain.RoomID(roomID)); err != nil {
		return fmt.Errorf("join %q: %w", roomID, err)
	}
	log.Info().Str("room", roomID).Str("server", cfg.Client.ServerURL).Msg("peer started")

	go readChat(ctx, coord)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
		}
	}
}

// readChat sends every stdin line as a JSON string payload.
func readChat(ctx context.Context, coord *negotiation.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		payload, err := json.Marshal(line)
		if err != nil {
			continue
		}
		if err := coord.SendChat(payload); err != nil {
			log.Warn().Err(err).Msg("chat not sent")
		}
	}
}

func printEvent(ev negotiation.Event) {
	switch ev.Kind {
	case negotiation.PeerStream:
		fmt.Printf("* %s streaming %s track %s\n", ev.Peer, ev.Track.Kind(), ev.Track.ID())
	case negotiation.PeerLeft:
		fmt.Printf("* %s left\n", ev.Peer)
	case negotiation.Chat:
		var text string
		if err := json.Unmarshal(ev.Message, &text); err != nil {
			text = string(ev.Message)
		}
		who := "peer"
		if ev.Local {
			who = "me"
		}
		fmt.Printf("<%s> %s\n", who, text)
	}
}
