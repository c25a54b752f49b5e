package registry

import "errors"

var (
	ErrNotFound        = errors.New("repository not found")
	ErrNameConflict    = errors.New("repository name already registered")
	ErrInvalidName     = errors.New("invalid repository name")
	ErrInvalidPath     = errors.New("invalid repository path")
	ErrCorruptRegistry = errors.New("registry file is corrupt")
)
