package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JoeGlenn1213/lgh/pkg/fsutil"
)

type Repository interface {
	// Load returns nil without error when no record was ever written.
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, record *Record) error
}

// FileRepository stores the record as JSON. An enabled record is paired with
// a marker file next to it, so a record deleted while authentication was on
// reads as ErrCredentialsMissing across restarts instead of "not configured".
type FileRepository struct {
	path   string
	marker string
}

func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path:   path,
		marker: strings.TrimSuffix(path, filepath.Ext(path)) + ".enabled",
	}
}

func (r *FileRepository) Load(ctx context.Context) (*Record, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(r.marker); statErr == nil {
				return nil, fmt.Errorf("%w: %s", ErrCredentialsMissing, r.path)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredentials, err)
	}
	if record.Username == "" || record.PasswordHash == "" {
		return nil, fmt.Errorf("%w: missing username or hash", ErrCorruptCredentials)
	}
	return &record, nil
}

func (r *FileRepository) Save(ctx context.Context, record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	enabled := record.DisabledAt == nil
	if enabled {
		// Marker first: a crash between the writes leaves the gate closed.
		if err := fsutil.WriteFileAtomic(r.marker, nil, 0o600); err != nil {
			return fmt.Errorf("persist credentials marker: %w", err)
		}
	}
	if err := fsutil.WriteFileAtomic(r.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	if !enabled {
		if err := os.Remove(r.marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove credentials marker: %w", err)
		}
	}
	return nil
}
