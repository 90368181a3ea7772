package signal

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    32768,
		PingPeriod:   54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    5 * time.Second,
		SendBuffer:   32,
		RateLimit:    50,
		RateInterval: time.Second,
	}
}

type SignalWSController struct {
	Hub     *app.Hub
	opts    Options
	limiter *RateLimiter
	wg      sync.WaitGroup
}

func NewSignalWSController(hub *app.Hub, opts Options) *SignalWSController {
	return &SignalWSController{
		Hub:     hub,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateInterval),
	}
}

// wsSignalConn is one hub-side websocket link. It implements
// core.SignalConnection.
type wsSignalConn struct {
	id   core.SessionID
	conn *websocket.Conn
	send chan core.Frame

	staleAfter time.Duration
	lastSeen   atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*wsSignalConn)(nil)

func newWSSignalConn(ws *websocket.Conn, opts Options) *wsSignalConn {
	c := &wsSignalConn{
		id:         core.SessionID(uuid.NewString()),
		conn:       ws,
		send:       make(chan core.Frame, opts.SendBuffer),
		staleAfter: opts.PongWait,
	}
	c.touch()
	return c
}

func (c *wsSignalConn) ID() core.SessionID { return c.id }

func (c *wsSignalConn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Alive is false once closed, or once nothing (not even a pong) arrived
// within the pong window.
func (c *wsSignalConn) Alive() bool {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return false
	}
	return time.Since(time.Unix(0, c.lastSeen.Load())) <= c.staleAfter
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return domain.ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the pumps until the link or
// ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWSSignalConn(ws, ctl.opts)
	log.Info().Str("module", "signal").Str("sid", string(conn.id)).Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.wg.Add(2)
	go func() {
		defer ctl.wg.Done()
		ctl.writePump(ctx, conn)
	}()
	go func() {
		defer ctl.wg.Done()
		defer cancel()
		ctl.readPump(conn)
	}()
}

// Wait blocks until every connection started by HandleSignal has finished.
func (ctl *SignalWSController) Wait() { ctl.wg.Wait() }
