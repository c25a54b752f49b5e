package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Compactor enforces log retention on an interval.
type Compactor struct {
	log      *Log
	keep     int
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCompactor(log *Log, keep int) *Compactor {
	return &Compactor{
		log:      log,
		keep:     keep,
		stopChan: make(chan struct{}),
	}
}

// Start compacts once immediately and then every interval until Stop or ctx
// is done.
func (c *Compactor) Start(ctx context.Context, interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		zap.L().Info("event log compactor started",
			zap.Int("keep", c.keep),
			zap.Duration("interval", interval))

		c.compact()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.compact()
			}
		}
	}()
}

func (c *Compactor) compact() {
	removed, err := c.log.Compact(c.keep)
	if err != nil {
		zap.L().Error("event log compaction failed", zap.Error(err))
		return
	}
	if removed > 0 {
		zap.L().Info("event log compacted", zap.Int("removed", removed), zap.Int("kept", c.keep))
	}
}

func (c *Compactor) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
		zap.L().Info("event log compactor stopped")
	})
}
