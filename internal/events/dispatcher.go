package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives events in sequence order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// Dispatcher runs every sink as an ordinary bus subscriber. A sink that falls
// behind is resubscribed from the event after its last delivery, so it
// catches up through replay instead of losing events.
type Dispatcher struct {
	bus        *Bus
	sinks      []Sink
	maxRetries int
	retryDelay time.Duration

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(bus *Bus, maxRetries int, retryDelay time.Duration, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		bus:        bus,
		sinks:      sinks,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Start begins delivery of events appended from now on.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	from := d.bus.LastPublished() + 1

	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			d.run(ctx, sink, from)
		}(sink)
	}

	zap.L().Info("event sinks started", zap.Int("count", len(d.sinks)))
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		zap.L().Info("event sinks stopped")
	})
}

func (d *Dispatcher) run(ctx context.Context, sink Sink, from uint64) {
	for ctx.Err() == nil {
		sub, err := d.bus.Subscribe(ctx, &from)
		if err != nil {
			zap.L().Error("sink subscribe failed", zap.String("sink", sink.Name()), zap.Error(err))
			return
		}

		for {
			event, err := sub.Next(ctx)
			if err != nil {
				sub.Close()
				if errors.Is(err, ErrSlowConsumer) {
					zap.L().Warn("sink fell behind, resubscribing",
						zap.String("sink", sink.Name()),
						zap.Uint64("from", from))
					break
				}
				return
			}
			d.deliver(ctx, sink, event)
			from = event.Seq + 1
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, event Event) {
	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.retryDelay):
			}
		}
		if err = sink.Deliver(ctx, event); err == nil {
			return
		}
	}
	zap.L().Error("event delivery failed, skipping",
		zap.String("sink", sink.Name()),
		zap.Uint64("seq", event.Seq),
		zap.Int("attempts", d.maxRetries+1),
		zap.Error(err))
}
