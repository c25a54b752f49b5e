package gitserver

import (
	"context"
	"errors"
	"time"

	"github.com/JoeGlenn1213/lgh/internal/registry"
)

// RegistryAdapter adapts the repository registry to RepositoryResolver.
type RegistryAdapter struct {
	registry registry.Service
}

func NewRegistryAdapter(registry registry.Service) *RegistryAdapter {
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Resolve(ctx context.Context, name string) (*Repository, error) {
	entry, err := a.registry.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrRepositoryNotFound
		}
		return nil, err
	}
	return &Repository{Name: entry.Name, Path: entry.Path}, nil
}

func (a *RegistryAdapter) Touch(ctx context.Context, name string, at time.Time) error {
	return a.registry.Touch(ctx, name, at)
}
