package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app/sfu"
)

// RunReaper periodically closes transports that never connected and
// consumers that were never resumed. It returns when ctx ends.
func RunReaper(ctx context.Context, coord *sfu.Coordinator, interval time.Duration, policy sfu.ReapPolicy) {
	if interval <= 0 || !policy.Enabled() {
		log.Info().Str("module", "app.reaper").Msg("reaper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res := coord.Reap(now, policy)
			if res.Transports > 0 || res.Consumers > 0 {
				log.Info().Str("module", "app.reaper").
					Int("transports", res.Transports).Int("consumers", res.Consumers).
					Msg("reaped idle media resources")
			}
		}
	}
}
