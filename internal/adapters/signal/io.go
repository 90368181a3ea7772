package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(c.id)).Msg("writePump ctx done")
			deadline := time.Now().Add(ctl.opts.WriteWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(ctl.opts.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(c *wsSignalConn) {
	reason := "transport close"
	defer func() {
		ctl.Hub.OnDisconnect(c, reason)
		ctl.limiter.Forget(c.id)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				reason = "client close"
			} else {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("readPump read error")
			}
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))

		if !ctl.limiter.Allow(c.id) {
			log.Warn().Str("module", "signal").Str("sid", string(c.id)).Msg("rate limited")
			ctl.sendError(c, domain.ErrRateLimited.Error())
			continue
		}
		ctl.handleFrame(c, core.Frame(data))
	}
}
