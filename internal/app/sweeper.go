package app

import (
	"context"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically drops registry entries whose connection died without
// a disconnect notification.
type Sweeper struct {
	Registry core.Registry
	Interval time.Duration
}

func NewSweeper(reg core.Registry, interval time.Duration) *Sweeper {
	return &Sweeper{Registry: reg, Interval: interval}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.sweeper").Dur("interval", s.Interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.sweeper").Msg("sweeper stopped")
			return
		case <-ticker.C:
			if n := s.Registry.Sweep(); n > 0 {
				log.Info().Str("module", "app.sweeper").Int("removed", n).Int("active", s.Registry.Len()).Msg("cleaned up stale connections")
			}
		}
	}
}
