package apigate

import "time"

// Maintain runs one maintenance pass: expired cache entries are swept and
// in-flight promises whose owner never settled are purged. Called
// periodically by the janitor; exported so embedders with their own
// schedulers can drive it directly.
func (c *Coordinator) Maintain() {
	now := c.now()

	swept := 0
	if c.cache != nil {
		swept = c.cache.Sweep(now)
		c.metrics.RecordCacheSize(c.cache.Len())
	}
	purged := c.inflight.PurgeStale(pendingStaleAfter)

	if (swept > 0 || purged > 0) && c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
		c.logger.Debug("maintenance pass", "sweptCacheEntries", swept, "purgedPendingCalls", purged)
	}
}

func (c *Coordinator) janitor() {
	ticker := time.NewTicker(c.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Maintain()
		case <-c.stopJanitor:
			return
		}
	}
}

// Close stops the maintenance janitor. The coordinator remains usable for
// requests; only periodic cleanup stops. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopJanitor)
	})
	return nil
}
