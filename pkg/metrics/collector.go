package metrics

import (
	"context"
	"time"

	"github.com/cuemby/inkforge/pkg/log"
	"github.com/cuemby/inkforge/pkg/storage"
)

const collectInterval = 15 * time.Second

// Collector periodically refreshes the session-status gauge from
// storage, since that count reflects the database's view of the
// world rather than anything a single worker can track in memory.
type Collector struct {
	store  *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a Collector reading from store.
func NewCollector(store *storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), collectInterval)
	defer cancel()

	counts, err := c.store.CountSessionsByStatus(ctx)
	if err != nil {
		log.WithComponent("metrics").Error().Err(err).Msg("failed to collect session counts")
		return
	}

	for status, count := range counts {
		SessionsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
