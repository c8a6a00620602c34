package cleanup

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = time.Hour

// Run ticks RunOnce every interval until ctx is done. A non-positive
// interval defaults to one hour.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("cleanup: sweep cycle failed", slog.String("error", err.Error()))

				continue
			}

			for _, r := range results {
				total := int64(0)
				for _, n := range r.DeletedBy {
					total += n
				}

				if total > 0 {
					s.logger.Info("cleanup: swept store", slog.String("store", r.Identifier), slog.Int64("deleted", total))
				}
			}
		}
	}
}
