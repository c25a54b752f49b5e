package gitserver

import (
	"errors"
	"net/http"
)

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrRepositoryBusy     = errors.New("repository is busy, retry shortly")
	ErrSubprocessFailure  = errors.New("git subprocess failed")
	ErrUnknownService     = errors.New("unknown git service")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRepositoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRepositoryBusy):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownService):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
