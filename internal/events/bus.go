package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	replayBatch         = 512
)

// Bus fans out appended events to live subscribers. A single tailer reads the
// log from the last published offset, so in-process appends, appends by other
// processes and replays all observe the same order.
type Bus struct {
	log          *Log
	queueSize    int
	pollInterval time.Duration

	scanMu   sync.Mutex
	offset   int64
	fileInfo os.FileInfo

	mu        sync.Mutex
	published uint64
	subs      map[string]*Subscription
	closed    bool
}

// NewBus positions the tailer at the end of log. Events already persisted are
// reachable through replay only.
func NewBus(log *Log, queueSize int) (*Bus, error) {
	if queueSize < 1 {
		queueSize = 1
	}
	b := &Bus{
		log:          log,
		queueSize:    queueSize,
		pollInterval: defaultPollInterval,
		subs:         make(map[string]*Subscription),
	}

	file, err := os.Open(log.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	consumed, _, err := scanLines(file, func(line []byte) error {
		event, err := decodeLine(line)
		if err != nil {
			return err
		}
		b.published = event.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.offset = consumed
	b.fileInfo = info
	return b, nil
}

func (b *Bus) Log() *Log {
	return b.log
}

// Append persists draft and publishes it before returning.
func (b *Bus) Append(ctx context.Context, draft Draft) (Event, error) {
	event, err := b.log.Append(ctx, draft)
	if err != nil {
		return Event{}, err
	}
	if err := b.poll(); err != nil {
		zap.L().Error("failed to publish appended event", zap.Uint64("seq", event.Seq), zap.Error(err))
	}
	return event, nil
}

// Bounds reports the retained range of the underlying log.
func (b *Bus) Bounds() (Bounds, error) {
	return b.log.Bounds()
}

// LastPublished is the highest sequence number delivered to live subscribers.
func (b *Bus) LastPublished() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Watch delivers only events appended after the call.
func (b *Bus) Watch(ctx context.Context) (*Subscription, error) {
	return b.Subscribe(ctx, nil)
}

// Subscribe replays every retained event with seq >= *from and then continues
// live without a gap or a duplicate at the join. A nil from is Watch.
func (b *Bus) Subscribe(ctx context.Context, from *uint64) (*Subscription, error) {
	if err := b.poll(); err != nil {
		zap.L().Warn("event log catch-up failed before subscribe", zap.Error(err))
	}

	sub := &Subscription{
		id:    uuid.NewString(),
		queue: make(chan Event, b.queueSize),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if from == nil {
		sub.from = b.published + 1
		b.subs[sub.id] = sub
		b.mu.Unlock()
	} else {
		sub.from = *from
		if sub.from == 0 {
			sub.from = 1
		}
		b.mu.Unlock()
		go b.replay(ctx, sub)
	}

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub, ctx.Err())
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (b *Bus) replay(ctx context.Context, sub *Subscription) {
	cursor := sub.from
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			sub.fail(ErrClosed)
			return
		}
		if cursor > b.published {
			sub.from = cursor
			b.subs[sub.id] = sub
			b.mu.Unlock()
			return
		}
		upTo := b.published
		b.mu.Unlock()

		batch, err := b.log.ReadFrom(cursor, replayBatch)
		if err != nil {
			sub.fail(fmt.Errorf("replay from %d: %w", cursor, err))
			return
		}

		progressed := false
		for _, event := range batch {
			if event.Seq > upTo {
				break
			}
			select {
			case sub.queue <- event:
			case <-sub.done:
				return
			case <-ctx.Done():
				b.remove(sub, ctx.Err())
				return
			}
			cursor = event.Seq + 1
			progressed = true
		}
		if !progressed {
			cursor = upTo + 1
		}
	}
}

func (b *Bus) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Seq <= b.published {
		return
	}
	b.published = event.Seq

	for id, sub := range b.subs {
		if event.Seq < sub.from {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			delete(b.subs, id)
			sub.fail(ErrSlowConsumer)
			zap.L().Warn("disconnected slow event subscriber",
				zap.String("subscription", id),
				zap.Uint64("seq", event.Seq))
		}
	}
}

// poll publishes every complete line appended since the last call. A log
// replaced by compaction is re-read from the start; events already published
// are skipped.
func (b *Bus) poll() error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	file, err := os.Open(b.log.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.offset = 0
			b.fileInfo = nil
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if b.fileInfo == nil || !os.SameFile(b.fileInfo, info) || info.Size() < b.offset {
		b.offset = 0
	}
	b.fileInfo = info
	if info.Size() == b.offset {
		return nil
	}

	if _, err := file.Seek(b.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek event log: %w", err)
	}
	consumed, _, err := scanLines(file, func(line []byte) error {
		event, err := decodeLine(line)
		if err != nil {
			return err
		}
		b.publish(event)
		return nil
	})
	b.offset += consumed
	return err
}

// Run drives the tailer until ctx is done: appends by other processes are
// picked up from filesystem notifications and a periodic poll.
func (b *Bus) Run(ctx context.Context) {
	var notify <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Warn("event log watcher unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(b.log.Path())); err != nil {
			zap.L().Warn("failed to watch event log dir, polling only", zap.Error(err))
		} else {
			notify = watcher.Events
		}
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(b.log.Path()) {
				continue
			}
		case <-ticker.C:
		}
		if err := b.poll(); err != nil {
			zap.L().Error("failed to tail event log", zap.Error(err))
		}
	}
}

// Close disconnects every subscriber. Later subscriptions fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrClosed)
	}
}

func (b *Bus) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.fail(reason)
}

func (b *Bus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
