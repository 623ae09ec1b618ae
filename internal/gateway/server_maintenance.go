package gateway

import (
	"context"
	"time"
)

const (
	defaultCleanupInterval = time.Hour
	requestLogPurgeBatch   = 5000
	purgeTimeout           = 30 * time.Second
)

func (s *Server) runJanitor(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	cleanupTicker := s.clock.NewTicker(interval)
	bucketTicker := s.clock.NewTicker(bucketIdleAge)
	defer cleanupTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			s.purgeRequestLog(ctx)
			s.tokens.cleanup()
		case <-bucketTicker.C:
			if s.limiter != nil {
				s.limiter.cleanup()
			}
		}
	}
}

// purgeRequestLog deletes entries older than the retention window in
// batches, so that no single statement holds the write lock for long.
func (s *Server) purgeRequestLog(ctx context.Context) int64 {
	if s.cfg.LogRetention <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.cfg.LogRetention)
	var total int64
	for ctx.Err() == nil {
		purgeCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
		n, err := s.store.PurgeRequestLog(purgeCtx, cutoff, requestLogPurgeBatch)
		cancel()
		if err != nil {
			s.log.Error("request log cleanup failed", "err", err)
			break
		}
		total += n
		if n < requestLogPurgeBatch {
			break
		}
	}
	if total > 0 {
		s.log.Info("request log cleaned", "deleted", total, "older_than", cutoff.UTC().Format(time.RFC3339))
	}
	return total
}
