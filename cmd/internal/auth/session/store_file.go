package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"courier/cmd/security/token"
)

// FileStore persists the session pair as one JSON document.
//
// Writes go to a temp file in the same directory and are renamed into place, so a
// crash leaves either the old or the new pair on disk, never a mix. When a Sealer is
// configured the document is encrypted; plain documents written before a key was
// configured are still readable.
type FileStore struct {
	path   string
	sealer *token.Sealer

	mu sync.Mutex
}

type fileDoc struct {
	Token string          `json:"auth_token,omitempty"`
	User  json.RawMessage `json:"auth_user,omitempty"`
}

// NewFileStore builds a FileStore at path. sealer may be nil.
func NewFileStore(path string, sealer *token.Sealer) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("session: empty state file path")
	}
	return &FileStore{path: filepath.Clean(path), sealer: sealer}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (Persisted, error) {
	if err := ctx.Err(); err != nil {
		return Persisted{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Persisted{}, nil
	}
	if err != nil {
		return Persisted{}, err
	}

	if token.IsSealed(raw) {
		if s.sealer == nil {
			return Persisted{}, fmt.Errorf("%w: sealed file but no key configured", ErrCorruptState)
		}
		raw, err = s.sealer.Open(raw, s.ad())
		if err != nil {
			return Persisted{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return Persisted{}, nil
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Persisted{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return Persisted{Token: doc.Token, User: doc.User}, nil
}

func (s *FileStore) Save(ctx context.Context, p Persisted) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(fileDoc{Token: p.Token, User: p.User})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealer != nil {
		raw, err = s.sealer.Seal(raw, s.ad())
		if err != nil {
			return err
		}
	}
	return s.writeAtomic(raw)
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// ad binds sealed content to the file name so blobs cannot be swapped between files.
func (s *FileStore) ad() []byte { return []byte(filepath.Base(s.path)) }
