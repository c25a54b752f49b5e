package gitserver

import (
	"context"
	"time"

	"github.com/JoeGlenn1213/lgh/internal/events"
)

// Repository is a hosted repository as the bridge sees it.
type Repository struct {
	Name string
	Path string
}

// RepositoryResolver maps request names to hosted repositories.
type RepositoryResolver interface {
	// Resolve returns ErrRepositoryNotFound for names that are not registered.
	Resolve(ctx context.Context, name string) (*Repository, error)

	// Touch records activity on the repository.
	Touch(ctx context.Context, name string, at time.Time) error
}

// EventAppender records protocol activity.
type EventAppender interface {
	Append(ctx context.Context, draft events.Draft) (events.Event, error)
}

// Authenticator checks transport credentials. present is false when the
// client offered no password at all.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string, present bool) (string, error)
}
