package gitserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LockManager serializes git execution per repository. Writers take the full
// weight of the repository semaphore and readers take one unit, so any number
// of readers up to maxReaders share a repository while a writer runs alone.
// semaphore.Weighted grants in FIFO order, which keeps queued writers from
// being starved by a stream of readers.
//
// Semaphores are reference counted by holders and waiters and dropped when
// the count reaches zero, so repositories that are unregistered (by this
// process or by the CLI) leave nothing behind.
type LockManager struct {
	maxReaders int64

	mu    sync.Mutex
	repos map[string]*repoLock
}

type repoLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLockManager(maxReaders int64) *LockManager {
	if maxReaders < 1 {
		maxReaders = 1
	}
	return &LockManager{
		maxReaders: maxReaders,
		repos:      make(map[string]*repoLock),
	}
}

func (m *LockManager) ref(repo string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.repos[repo]
	if !ok {
		lock = &repoLock{sem: semaphore.NewWeighted(m.maxReaders)}
		m.repos[repo] = lock
	}
	lock.refs++
	return lock.sem
}

func (m *LockManager) unref(repo string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.repos[repo]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(m.repos, repo)
	}
}

// Len reports how many repositories currently have holders or waiters.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.repos)
}

// Acquire blocks until the repository lock is granted, timeout elapses or ctx
// is done. A timeout is reported as ErrRepositoryBusy. The returned release
// func must be called exactly once.
func (m *LockManager) Acquire(ctx context.Context, repo string, exclusive bool, timeout time.Duration) (func(), error) {
	weight := int64(1)
	if exclusive {
		weight = m.maxReaders
	}

	sem := m.ref(repo)
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sem.Acquire(acquireCtx, weight); err != nil {
		m.unref(repo)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryBusy, repo)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(weight)
			m.unref(repo)
		})
	}, nil
}
