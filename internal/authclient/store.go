package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Fixed store keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

const defaultFilePerm os.FileMode = 0o600

// CredentialStore is durable key-value storage for credentials. Get returns
// ErrCredentialNotFound for a missing key; Delete of a missing key is not an error.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps credentials in process memory. It does not survive restarts
// and exists for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// credentialFile represents the persisted format
type credentialFile struct {
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FileStore persists credentials as a 0600 JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a file-backed credential store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, err := s.readFile()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrCredentialNotFound
		}
		return "", err
	}
	v, ok := po.Values[key]
	if !ok || v == "" {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, err := s.readFile()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if po.Values == nil {
		po.Values = make(map[string]string)
	}
	po.Values[key] = value
	return s.writeFile(po)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, err := s.readFile()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, ok := po.Values[key]; !ok {
		return nil
	}
	delete(po.Values, key)
	return s.writeFile(po)
}

// readFile reads the credential file
func (s *FileStore) readFile() (credentialFile, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return credentialFile{}, err
	}

	// Security: enforce strict permissions
	if info.Mode().Perm()&0o077 != 0 {
		return credentialFile{}, fmt.Errorf("credential file %s must have 0600 permissions", s.path)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return credentialFile{}, fmt.Errorf("read credentials: %w", err)
	}

	var po credentialFile
	if err := json.Unmarshal(data, &po); err != nil {
		return credentialFile{}, fmt.Errorf("parse credentials: %w", err)
	}
	return po, nil
}

// writeFile replaces the credential file through a temp file and a rename, so
// a crash mid-write leaves the previous contents in place.
func (s *FileStore) writeFile(po credentialFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	po.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(po, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}
