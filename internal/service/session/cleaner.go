package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Cleaner periodically evicts idle sessions. Sessions holding their
// generation lock are skipped and re-checked on the next cycle.
type Cleaner struct {
	store    *Store
	timeout  time.Duration
	interval time.Duration
}

// NewCleaner builds a cleaner for store with the given idle timeout and
// sweep interval.
func NewCleaner(store *Store, timeout, interval time.Duration) *Cleaner {
	return &Cleaner{store: store, timeout: timeout, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	if c.timeout <= 0 || c.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if evicted := c.store.SweepIdle(now.UTC(), c.timeout); evicted > 0 {
				log.Info().
					Int("evicted", evicted).
					Int("remaining", c.store.Count()).
					Msg("cleaned up expired chat sessions")
			}
		}
	}
}
