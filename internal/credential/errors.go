package credential

import "errors"

var (
	ErrCorruptCredentials = errors.New("credential file is corrupt")
	ErrCredentialsMissing = errors.New("credential file disappeared while authentication was enabled; run `lgh auth setup` to restore it")
	ErrNotConfigured      = errors.New("authentication is not configured")
	ErrInvalidUsername    = errors.New("username must be non-empty and must not contain ':'")
	ErrEmptyPassword      = errors.New("password must not be empty")
)
