package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/logging"
	"github.com/orrn/printconsole/internal/observability"
)

const finalEmitTimeout = 5 * time.Second

// Session is the credential holder the channel authenticates with.
type Session interface {
	Token() (string, error)
	Invalidate(cause error)
	Done() <-chan struct{}
	Err() error
}

type Config struct {
	URL              string
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Buffer           int
	Clock            clockwork.Clock
	Logger           *logrus.Entry
}

// Channel is one authenticated push connection to the backend. Events from
// every connection it makes are delivered in order on Events.
type Channel struct {
	config    Config
	session   Session
	dialer    *websocket.Dialer
	clock     clockwork.Clock
	log       *logrus.Entry
	events    chan core.ChannelEvent
	connected atomic.Bool
}

func New(cfg Config, session Session) *Channel {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * cfg.ReconnectMin
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Channel{
		config:  cfg,
		session: session,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		clock:  cfg.Clock,
		log:    cfg.Logger,
		events: make(chan core.ChannelEvent, cfg.Buffer),
	}
}

func (c *Channel) Events() <-chan core.ChannelEvent {
	return c.events
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Run keeps the channel connected until ctx is cancelled or the session
// ends. Dropped connections are retried with capped exponential backoff.
func (c *Channel) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectMin
	b.MaxInterval = c.config.ReconnectMax
	b.MaxElapsedTime = 0
	b.Clock = c.clock
	b.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-c.session.Done():
			return c.session.Err()
		default:
		}

		token, err := c.session.Token()
		if err != nil {
			c.emit(ctx, core.ChannelEvent{Type: core.EventAuthError, Err: err})
			return err
		}

		established, err := c.connect(ctx, token)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, core.ErrAuthExpired) {
			c.session.Invalidate(err)
			return err
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		c.log.WithError(err).WithField("retry_in", wait).Warn("push channel down, reconnecting")

		timer := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.session.Done():
			timer.Stop()
			return c.session.Err()
		case <-timer.Chan():
		}
	}
}

// Connect opens one connection with token and serves it until it drops.
// A 401 or 403 on the upgrade is reported as an authError event and
// ErrAuthExpired.
func (c *Channel) Connect(ctx context.Context, token string) error {
	_, err := c.connect(ctx, token)
	return err
}

func (c *Channel) connect(ctx context.Context, token string) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := fmt.Errorf("%w: push channel handshake returned %d", core.ErrAuthExpired, resp.StatusCode)
			c.emit(ctx, core.ChannelEvent{Type: core.EventAuthError, Err: authErr})
			return false, authErr
		}
		return false, fmt.Errorf("%w: dial: %v", core.ErrChannelDisconnected, err)
	}
	defer conn.Close()

	c.connected.Store(true)
	c.log.WithField("url", c.config.URL).Info("push channel connected")
	c.emit(ctx, core.ChannelEvent{Type: core.EventConnected})

	err = c.serve(ctx, conn)

	c.connected.Store(false)
	c.emitFinal(ctx, core.ChannelEvent{Type: core.EventDisconnected, Err: err})
	return true, err
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	if interval := c.config.PingInterval; interval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * interval))
		})
		go c.ping(conn, interval, done)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", core.ErrChannelDisconnected, err)
		}

		ev, ok := decodeEvent(data)
		if !ok {
			c.log.WithField("frame", truncate(data, 128)).Debug("ignoring unrecognised push frame")
			continue
		}
		ev.ReceivedAt = c.clock.Now()
		if !c.emit(ctx, ev) {
			return ctx.Err()
		}
	}
}

func (c *Channel) ping(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval/2)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

func (c *Channel) emit(ctx context.Context, ev core.ChannelEvent) bool {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.clock.Now()
	}
	observability.RecordChannelEvent(string(ev.Type))
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitFinal delivers ev even after ctx is cancelled if the buffer has room.
// Otherwise it waits for room until ctx is done or finalEmitTimeout passes.
func (c *Channel) emitFinal(ctx context.Context, ev core.ChannelEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.clock.Now()
	}
	observability.RecordChannelEvent(string(ev.Type))
	select {
	case c.events <- ev:
		return
	default:
	}

	timer := c.clock.NewTimer(finalEmitTimeout)
	defer timer.Stop()
	select {
	case c.events <- ev:
	case <-ctx.Done():
		c.log.WithField("event", ev.Type).Warn("event buffer full at shutdown, dropping")
	case <-timer.Chan():
		c.log.WithField("event", ev.Type).Warn("event buffer full, dropping")
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
