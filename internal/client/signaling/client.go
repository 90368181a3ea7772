// Package signaling is the client side of the hub websocket: it keeps one
// link up, reconnecting per Policy, and hands decoded envelopes to a Handler.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler receives link events. Calls come from the Run goroutine, one at a
// time, so implementations must not block for long.
type Handler interface {
	OnConnected()
	OnDisconnected(err error)
	OnEnvelope(env protocol.Envelope)
}

type Options struct {
	URL        string
	Policy     Policy
	Dialer     *websocket.Dialer
	SendBuffer int
	WriteWait  time.Duration
	PingPeriod time.Duration
	PongWait   time.Duration
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
}

type link struct {
	ws   *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func (l *link) stop() { l.once.Do(func() { close(l.quit) }) }

type Client struct {
	opts    Options
	handler Handler

	mu     sync.Mutex
	link   *link
	closed bool
	wake   chan struct{}
}

func New(opts Options, h Handler) *Client {
	opts.setDefaults()
	return &Client{opts: opts, handler: h, wake: make(chan struct{})}
}

// Run dials and serves the link until ctx ends, Close is called, or the
// policy gives up.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if c.isClosed() {
			return nil
		}
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Warn().Err(err).Str("module", "client.signal").Int("attempt", failures).Msg("dial failed")
			if c.opts.Policy.Exhausted(failures) {
				return fmt.Errorf("%w: giving up after %d attempts: %w", domain.ErrNotConnected, failures, err)
			}
			if !c.sleep(ctx, c.opts.Policy.Delay(failures)) {
				return c.stopErr(ctx)
			}
			continue
		}

		failures = 0
		log.Info().Str("module", "client.signal").Str("url", c.opts.URL).Msg("connected")
		err = c.serve(ctx, ws)
		c.handler.OnDisconnected(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		log.Warn().Err(err).Str("module", "client.signal").Msg("link lost, reconnecting")
		if !c.sleep(ctx, c.opts.Policy.Delay(1)) {
			return c.stopErr(ctx)
		}
	}
}

// sleep waits d; it is cut short by ctx or Close.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) stopErr(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}
	return ctx.Err()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	l := &link{
		ws:   ws,
		send: make(chan []byte, c.opts.SendBuffer),
		quit: make(chan struct{}),
	}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(l)
	}()
	stopWatch := context.AfterFunc(ctx, l.stop)

	defer func() {
		stopWatch()
		c.mu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.mu.Unlock()
		l.stop()
		<-writerDone
		_ = ws.Close()
	}()

	c.handler.OnConnected()
	return c.readPump(l)
}

func (c *Client) readPump(l *link) error {
	_ = l.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		_ = l.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.signal").Msg("bad frame from hub")
			continue
		}
		c.handler.OnEnvelope(env)
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	write := func(b []byte) bool {
		_ = l.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
		if err := l.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warn().Err(err).Str("module", "client.signal").Msg("write failed")
			_ = l.ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case b := <-l.send:
			if !write(b) {
				return
			}
		case <-ticker.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				_ = l.ws.Close()
				return
			}
		case <-l.quit:
		drain:
			for {
				select {
				case b := <-l.send:
					if !write(b) {
						return
					}
				default:
					break drain
				}
			}
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteWait))
			// the hub echoes the close frame; do not wait on it forever
			time.AfterFunc(c.opts.WriteWait, func() { _ = l.ws.Close() })
			return
		}
	}
}

// Send queues env on the current link.
func (c *Client) Send(env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil || c.closed {
		return domain.ErrNotConnected
	}
	select {
	case <-c.link.quit:
		return domain.ErrNotConnected
	default:
	}
	select {
	case c.link.send <- b:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && !c.closed
}

// Close says leave on the current link, flushes it and stops reconnecting.
func (c *Client) Close() error {
	err := c.Send(protocol.Leave())
	if errors.Is(err, domain.ErrNotConnected) {
		err = nil
	}
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.wake)
	}
	l := c.link
	c.mu.Unlock()
	if l != nil {
		l.stop()
	}
	return err
}
