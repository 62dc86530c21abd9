package tokens

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/types"
)

// FileStore keeps service → hash pairs in a JSON file. The file is re-read on
// every operation so that tokens revoked from the CLI take effect in a
// running broker. All operations on one FileStore are serialized.
type FileStore struct {
	path   string
	cost   int
	mu     sync.Mutex
	logger *logger.Logger
}

// NewFileStore creates a store backed by the file at path
func NewFileStore(path string, cost int, log *logger.Logger) (*FileStore, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "token store path cannot be empty")
	}
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create token store directory", err)
	}
	s := &FileStore{
		path:   path,
		cost:   cost,
		logger: log.With("component", "token_store", "backend", "file"),
	}
	s.logger.Debug("Token store opened", "path", path)
	return s, nil
}

func (s *FileStore) load() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to read token store", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "token store is corrupt", err)
	}
	return entries, nil
}

func (s *FileStore) save(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode token store", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write token store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return types.WrapError(types.ErrCodeUnavailable, "failed to replace token store", err)
	}
	return nil
}

// Exists reports whether service has a registered token
func (s *FileStore) Exists(_ context.Context, service string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := entries[service]
	return ok, nil
}

// Create issues and stores a token for service
func (s *FileStore) Create(_ context.Context, service string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}
	if _, ok := entries[service]; ok {
		return "", alreadyExists(service)
	}

	token, hash, err := generate(s.cost)
	if err != nil {
		return "", err
	}
	entries[service] = hash
	if err := s.save(entries); err != nil {
		return "", err
	}
	s.logger.Info("Token issued", "service", service)
	return token, nil
}

// Verify checks token against the stored hash
func (s *FileStore) Verify(_ context.Context, service, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return false, err
	}
	hash, ok := entries[service]
	if !ok {
		return false, notFound(service)
	}
	return matches(hash, token)
}

// Delete removes the token for service after verifying token
func (s *FileStore) Delete(_ context.Context, service, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	hash, ok := entries[service]
	if !ok {
		return notFound(service)
	}
	ok, err = matches(hash, token)
	if err != nil {
		return err
	}
	if !ok {
		return mismatch(service)
	}
	delete(entries, service)
	if err := s.save(entries); err != nil {
		return err
	}
	s.logger.Info("Token deleted", "service", service)
	return nil
}

// Revoke removes the token for service unconditionally
func (s *FileStore) Revoke(_ context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[service]; !ok {
		return notFound(service)
	}
	delete(entries, service)
	if err := s.save(entries); err != nil {
		return err
	}
	s.logger.Info("Token revoked", "service", service)
	return nil
}

// List returns the registered service names
func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the file backend
func (s *FileStore) Close() error { return nil }
