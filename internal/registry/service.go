package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/JoeGlenn1213/lgh/internal/events"
)

// touchGranularity bounds how often last_activity_at is rewritten for a busy
// repository.
const touchGranularity = 10 * time.Second

const watchDebounce = 100 * time.Millisecond

type Service interface {
	Register(ctx context.Context, name, path string) (*Entry, error)
	Resolve(ctx context.Context, name string) (*Entry, error)
	Unregister(ctx context.Context, name string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Touch(ctx context.Context, name string, at time.Time) error
	Reload(ctx context.Context) error
	Watch(ctx context.Context) error
}

type service struct {
	repository    Repository
	appender      events.Appender
	defaultBranch string
	now           func() time.Time

	mu      sync.RWMutex
	entries []*Entry
}

// NewService loads the persisted registry. A corrupt file is returned as
// ErrCorruptRegistry. appender may be nil.
func NewService(
	ctx context.Context,
	repository Repository,
	appender events.Appender,
	defaultBranch string,
) (Service, error) {
	entries, err := repository.Load(ctx)
	if err != nil {
		return nil, err
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &service{
		repository:    repository,
		appender:      appender,
		defaultBranch: defaultBranch,
		now:           func() time.Time { return time.Now().UTC() },
		entries:       entries,
	}, nil
}

func (s *service) Register(ctx context.Context, name, path string) (*Entry, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrInvalidPath, absPath)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, absPath)
	}

	var created *Entry
	updated, err := s.repository.Update(ctx, func(entries []*Entry) ([]*Entry, error) {
		if slices.ContainsFunc(entries, func(e *Entry) bool { return e.Name == name }) {
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
		}
		if err := s.ensureRepository(absPath); err != nil {
			return nil, err
		}
		created = &Entry{
			Name:      name,
			Path:      absPath,
			CreatedAt: s.now(),
		}
		return append(entries, created), nil
	})
	if err != nil {
		return nil, err
	}
	s.replace(updated)

	zap.L().Info("repository registered", zap.String("name", name), zap.String("path", absPath))
	s.appendEvent(ctx, events.Draft{
		Repo:    name,
		Kind:    events.KindCreate,
		Payload: map[string]any{"path": absPath},
	})
	return created.clone(), nil
}

// ensureRepository accepts a bare repository or a work tree and initializes
// any other existing directory as a bare repository.
func (s *service) ensureRepository(path string) error {
	_, err := git.PlainOpen(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	_, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(s.defaultBranch),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to initialize git repository: %v", ErrInvalidPath, err)
	}
	zap.L().Info("initialized bare repository", zap.String("path", path))
	return nil
}

func (s *service) Resolve(ctx context.Context, name string) (*Entry, error) {
	name = NormalizeName(name)
	if entry := s.lookup(name); entry != nil {
		return entry, nil
	}

	// Another process may have registered it since the last reload.
	if err := s.Reload(ctx); err != nil {
		zap.L().Warn("registry reload on miss failed", zap.String("name", name), zap.Error(err))
	}
	if entry := s.lookup(name); entry != nil {
		return entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (s *service) lookup(name string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		if entry.Name == name {
			return entry.clone()
		}
	}
	return nil
}

func (s *service) Unregister(ctx context.Context, name string) (*Entry, error) {
	name = NormalizeName(name)

	var removed *Entry
	updated, err := s.repository.Update(ctx, func(entries []*Entry) ([]*Entry, error) {
		idx := slices.IndexFunc(entries, func(e *Entry) bool { return e.Name == name })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		removed = entries[idx]
		return slices.Delete(entries, idx, idx+1), nil
	})
	if err != nil {
		return nil, err
	}
	s.replace(updated)

	zap.L().Info("repository unregistered", zap.String("name", name))
	s.appendEvent(ctx, events.Draft{
		Repo:    name,
		Kind:    events.KindRemove,
		Payload: map[string]any{"path": removed.Path},
	})
	return removed.clone(), nil
}

func (s *service) List(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.clone())
	}
	return out, nil
}

func (s *service) Touch(ctx context.Context, name string, at time.Time) error {
	name = NormalizeName(name)
	if entry := s.lookup(name); entry != nil && entry.LastActivityAt != nil &&
		at.Sub(*entry.LastActivityAt) < touchGranularity {
		return nil
	}

	at = at.UTC()
	updated, err := s.repository.Update(ctx, func(entries []*Entry) ([]*Entry, error) {
		idx := slices.IndexFunc(entries, func(e *Entry) bool { return e.Name == name })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		entries[idx].LastActivityAt = &at
		return entries, nil
	})
	if err != nil {
		return err
	}
	s.replace(updated)
	return nil
}

// Reload replaces the in-memory snapshot with the persisted registry. On
// failure the previous snapshot is kept.
func (s *service) Reload(ctx context.Context) error {
	entries, err := s.repository.Load(ctx)
	if err != nil {
		return err
	}
	s.replace(entries)
	return nil
}

func (s *service) replace(entries []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

// Watch reloads the registry whenever its file changes, until ctx is done.
func (s *service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(s.repository.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zap.L().Error("registry watcher error", zap.Error(err))
		case <-timer.C:
			if err := s.Reload(ctx); err != nil {
				zap.L().Error("registry reload failed, keeping last good snapshot", zap.Error(err))
				continue
			}
			zap.L().Debug("registry reloaded")
		}
	}
}

func (s *service) appendEvent(ctx context.Context, draft events.Draft) {
	if s.appender == nil {
		return
	}
	if _, err := s.appender.Append(ctx, draft); err != nil {
		zap.L().Error("failed to append registry event",
			zap.String("repo", draft.Repo),
			zap.String("kind", string(draft.Kind)),
			zap.Error(err))
	}
}
