package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/JoeGlenn1213/lgh/pkg/fsutil"
)

// Repository persists the ordered list of entries.
type Repository interface {
	Load(ctx context.Context) ([]*Entry, error)
	// Update re-reads the persisted entries under an inter-process lock, applies
	// fn and writes the result before releasing the lock.
	Update(ctx context.Context, fn func(entries []*Entry) ([]*Entry, error)) ([]*Entry, error)
	Path() string
}

// FileRepository stores entries as a JSON array in repos.json. Writers hold an
// flock on a sidecar lock file so the CLI and the daemon never interleave.
type FileRepository struct {
	path   string
	mu     sync.Mutex
	lock   *fsutil.FileLock
	tracer trace.Tracer
}

func NewFileRepository(path, lockPath string, traceProvider trace.TracerProvider) *FileRepository {
	if traceProvider == nil {
		traceProvider = noop.NewTracerProvider()
	}
	return &FileRepository{
		path:   path,
		lock:   fsutil.NewFileLock(lockPath),
		tracer: traceProvider.Tracer("RegistryFileRepository"),
	}
}

func (r *FileRepository) Path() string {
	return r.path
}

func (r *FileRepository) Load(ctx context.Context) ([]*Entry, error) {
	_, span := r.tracer.Start(ctx, "Load", trace.WithAttributes(attribute.String("path", r.path)))
	defer span.End()

	entries, err := r.read()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return entries, nil
}

func (r *FileRepository) Update(
	ctx context.Context,
	fn func(entries []*Entry) ([]*Entry, error),
) ([]*Entry, error) {
	_, span := r.tracer.Start(ctx, "Update", trace.WithAttributes(attribute.String("path", r.path)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := r.lock.Acquire(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() { _ = r.lock.Release() }()

	entries, err := r.read()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	updated, err := fn(entries)
	if err != nil {
		return nil, err
	}

	if err := r.write(updated); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

func (r *FileRepository) read() ([]*Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Entry{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return []*Entry{}, nil
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRegistry, err)
	}
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		if entry == nil || entry.Name == "" || entry.Path == "" {
			return nil, fmt.Errorf("%w: entry %d is incomplete", ErrCorruptRegistry, i)
		}
		if _, ok := seen[entry.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrCorruptRegistry, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	return entries, nil
}

func (r *FileRepository) write(entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}
