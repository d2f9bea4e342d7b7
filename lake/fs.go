package lake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore is a filesystem-backed lake store.
//
// Writes go to a temp file in the target directory and land via atomic
// rename; any failure unlinks the temp file. Idempotency is digest-compare:
// an existing file with the same digest short-circuits to StatusSkipped.
type FSStore struct {
	base string
}

// NewFSStore creates a filesystem store rooted at base.
// The base directory is created if absent.
func NewFSStore(base string) (*FSStore, error) {
	if base == "" {
		return nil, errors.New("fs store requires a base directory")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create lake base: %w", err)
	}
	return &FSStore{base: base}, nil
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, lakePath string, data []byte) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest := digestOf(data)
	full := filepath.Join(s.base, filepath.FromSlash(lakePath))

	// Digest-compare before writing: same digest is the expected path on
	// re-runs and must not rewrite.
	if existing, err := os.ReadFile(full); err == nil {
		if digestOf(existing) == digest {
			return &WriteResult{
				LakeURI:       lakePath,
				ContentSHA256: digest,
				ByteCount:     int64(len(data)),
				Status:        StatusSkipped,
			}, nil
		}
		return nil, &PathError{Op: "put", Path: lakePath, Err: ErrDigestConflict}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &PathError{Op: "put", Path: lakePath, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, &PathError{Op: "put", Path: lakePath, Err: err}
	}

	if err := s.writeAtomic(full, data); err != nil {
		return nil, &PathError{Op: "put", Path: lakePath, Err: err}
	}

	return &WriteResult{
		LakeURI:       lakePath,
		ContentSHA256: digest,
		ByteCount:     int64(len(data)),
		Status:        StatusWritten,
	}, nil
}

// writeAtomic writes data to <path>.tmp and renames it into place.
// The temp file is unlinked on every failure path.
func (s *FSStore) writeAtomic(full string, data []byte) error {
	tmp := full + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, lakePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := filepath.Join(s.base, filepath.FromSlash(lakePath))
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &PathError{Op: "get", Path: lakePath, Err: ErrNotFound}
		}
		return nil, &PathError{Op: "get", Path: lakePath, Err: err}
	}
	return data, nil
}

// Close implements Store. Filesystem stores hold no resources.
func (s *FSStore) Close() error { return nil }

// Verify FSStore implements Store.
var _ Store = (*FSStore)(nil)
