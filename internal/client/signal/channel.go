// Package signal owns the single outbound signaling connection of one
// participant: dial, fixed-delay reconnect, send while open.
package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotOpen = errors.New("signaling channel not open")
	ErrClosed  = errors.New("signaling channel closed")
)

type Options struct {
	URL        string
	RetryDelay time.Duration
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	// Buffer bounds the queue of decoded inbound messages.
	Buffer int
	Dialer *websocket.Dialer
}

// DefaultOptions mirrors the server keepalive defaults.
func DefaultOptions(url string) Options {
	return Options{
		URL:        url,
		RetryDelay: 5 * time.Second,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		ReadLimit:  65536,
		Buffer:     64,
	}
}

// Inbound is a decoded message tagged with the connection it arrived on.
// Generations start at 1 and grow with every successful connect.
type Inbound struct {
	Gen uint64
	Msg protocol.Message
}

// Channel reconnects forever with a fixed delay until its context is
// cancelled or Close is called. Sends never queue: a message sent while the
// transport is down is dropped.
type Channel struct {
	opts     Options
	incoming chan Inbound
	opened   chan uint64

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool

	writeMu sync.Mutex
}

func New(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Channel{
		opts:     opts,
		incoming: make(chan Inbound, opts.Buffer),
		opened:   make(chan uint64, 1),
	}
}

// Incoming yields decoded messages. It is closed when Run returns.
func (c *Channel) Incoming() <-chan Inbound { return c.incoming }

// Opened yields the generation of every successful (re)connect. Only the
// latest unread generation is kept.
func (c *Channel) Opened() <-chan uint64 { return c.opened }

// Run owns the connect loop and blocks until ctx is done or Close is called.
// A channel runs at most once.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()
	defer close(c.incoming)

	var gen uint64
	for attempt := 1; ; attempt++ {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return c.exitErr(ctx)
			}
			log.Warn().Err(err).Str("module", "channel").Int("attempt", attempt).
				Dur("retry", c.opts.RetryDelay).Msg("dial failed")
		} else {
			attempt = 0
			gen++
			log.Info().Str("module", "channel").Str("url", c.opts.URL).Uint64("gen", gen).Msg("connected")
			c.serve(ctx, conn, gen)
			log.Info().Str("module", "channel").Msg("disconnected")
		}

		timer := time.NewTimer(c.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.exitErr(ctx)
		case <-timer.C:
		}
	}
}

func (c *Channel) exitErr(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, gen uint64) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	done := make(chan struct{})
	defer func() {
		close(done)
		stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if c.opts.ReadLimit > 0 {
		conn.SetReadLimit(c.opts.ReadLimit)
	}
	if c.opts.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
	}
	if c.opts.PingPeriod > 0 {
		go c.pinger(conn, done)
	}

	select {
	case <-c.opened:
	default:
	}
	c.opened <- gen

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "channel").Msg("read error")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "channel").Msg("discarding frame")
			continue
		}
		select {
		case c.incoming <- Inbound{Gen: gen, Msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) pinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "channel").Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// Send transmits msg if the transport is open. Otherwise it logs and returns
// ErrNotOpen without queuing.
func (c *Channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		log.Warn().Str("module", "channel").Str("type", string(msg.Type())).Msg("send while not open, dropped")
		return ErrNotOpen
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteWait > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("module", "channel").Str("type", string(msg.Type())).Msg("write failed")
		return err
	}
	return nil
}

// Close stops the reconnect loop and closes the live connection.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, conn := c.cancel, c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}
