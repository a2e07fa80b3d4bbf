package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

// Supervise blocks until the media worker dies or ctx ends. A dead worker
// takes every router with it, so the returned error is meant to stop the
// process.
func Supervise(ctx context.Context, w media.Worker) error {
	select {
	case <-ctx.Done():
		return nil
	case cause := <-w.Died():
		log.Error().Err(cause).Str("module", "app.supervise").Msg("media worker died")
		return fmt.Errorf("%w: %w", domain.ErrWorkerDied, cause)
	}
}
