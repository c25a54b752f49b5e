package credential

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type Service interface {
	Setup(ctx context.Context, username, password string) error
	Verify(ctx context.Context, username, password string) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	Disable(ctx context.Context) error
	Status(ctx context.Context) (*Status, error)
}

type service struct {
	repository Repository
	bcryptCost int
	now        func() time.Time

	mu          sync.Mutex
	seenEnabled bool
}

func NewService(repository Repository, bcryptCost int) Service {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &service{
		repository: repository,
		bcryptCost: bcryptCost,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Setup(ctx context.Context, username, password string) error {
	if username == "" || strings.Contains(username, ":") {
		return ErrInvalidUsername
	}
	if password == "" {
		return ErrEmptyPassword
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return err
	}

	record := &Record{
		Username:     username,
		PasswordHash: string(hashedPassword),
		CreatedAt:    s.now(),
	}
	if err := s.repository.Save(ctx, record); err != nil {
		return err
	}

	s.mu.Lock()
	s.seenEnabled = true
	s.mu.Unlock()

	zap.L().Info("credentials configured", zap.String("username", username))
	return nil
}

// load applies the fail-closed rules: a record that vanishes after
// authentication was enabled is an error, never "disabled". The repository
// catches this across restarts; seenEnabled covers a marker removed as well.
func (s *service) load(ctx context.Context) (*Record, error) {
	record, err := s.repository.Load(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case record == nil && s.seenEnabled:
		return nil, ErrCredentialsMissing
	case record != nil && record.DisabledAt == nil:
		s.seenEnabled = true
	case record != nil:
		s.seenEnabled = false
	}
	return record, nil
}

func (s *service) IsEnabled(ctx context.Context) (bool, error) {
	record, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return record != nil && record.DisabledAt == nil, nil
}

// Verify spends the same bcrypt work whether or not the username matches.
func (s *service) Verify(ctx context.Context, username, password string) (bool, error) {
	record, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if record == nil || record.DisabledAt != nil {
		return false, nil
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(record.Username)) == 1
	err = bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, ErrCorruptCredentials
	}
	return usernameMatch && err == nil, nil
}

func (s *service) Disable(ctx context.Context) error {
	record, err := s.load(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotConfigured
	}
	if record.DisabledAt != nil {
		return nil
	}

	now := s.now()
	record.DisabledAt = &now
	if err := s.repository.Save(ctx, record); err != nil {
		return err
	}

	s.mu.Lock()
	s.seenEnabled = false
	s.mu.Unlock()

	zap.L().Warn("authentication explicitly disabled")
	return nil
}

func (s *service) Status(ctx context.Context) (*Status, error) {
	record, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &Status{}, nil
	}
	createdAt := record.CreatedAt
	return &Status{
		Configured: true,
		Enabled:    record.DisabledAt == nil,
		Username:   record.Username,
		CreatedAt:  &createdAt,
		DisabledAt: record.DisabledAt,
	}, nil
}
