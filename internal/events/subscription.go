package events

import (
	"context"
	"sync"
)

// Subscription is one consumer's cursor over the bus. Events are queued in a
// bounded buffer; a consumer that lets it fill up is disconnected with
// ErrSlowConsumer.
type Subscription struct {
	id    string
	from  uint64
	queue chan Event
	done  chan struct{}
	once  sync.Once
	err   error
	bus   *Bus
}

func (s *Subscription) ID() string {
	return s.id
}

// Next blocks for the next event. Events queued before the subscription ended
// are still returned; after that Next returns the reason it ended.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case event := <-s.queue:
		return event, nil
	default:
	}

	select {
	case event := <-s.queue:
		return event, nil
	case <-s.done:
		select {
		case event := <-s.queue:
			return event, nil
		default:
			return Event{}, s.err
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the subscription ended, nil while it is live.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) Close() {
	s.bus.remove(s, ErrClosed)
}

func (s *Subscription) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
