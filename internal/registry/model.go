package registry

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Entry is one hosted repository.
type Entry struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.LastActivityAt != nil {
		at := *e.LastActivityAt
		c.LastActivityAt = &at
	}
	return &c
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// NormalizeName returns the canonical NFC form of a repository name.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateName checks a normalized name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if strings.Trim(name, ".") == "" {
		return fmt.Errorf("%w: name must not consist of dots only: %s", ErrInvalidName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: name must not contain '..': %s", ErrInvalidName, name)
	}
	if strings.HasSuffix(name, ".git") {
		return fmt.Errorf("%w: name must not end in .git: %s", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name must not contain control characters: %q", ErrInvalidName, name)
		}
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: name must match [a-zA-Z0-9._-]+: %s", ErrInvalidName, name)
	}
	return nil
}
