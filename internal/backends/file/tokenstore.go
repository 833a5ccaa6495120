// Package file stores every token record in a single JSON document, keyed by domain.
// The document is rewritten atomically on each change. Only one process may write the file.
package file

import (
	"context"
	"credproxy/internal/types"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPath = "storage/tokens.json"

	filePerm = 0o600
	dirPerm  = 0o700
)

type TokenStore struct {
	mu   sync.RWMutex
	path string
}

func NewTokenStore(path string) *TokenStore {
	if path == "" {
		path = DefaultPath
	}
	return &TokenStore{path: path}
}

func (s *TokenStore) Path() string { return s.path }

func (s *TokenStore) Load(ctx context.Context, domain string) (*types.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	rec, ok := all[domain]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *TokenStore) Put(ctx context.Context, domain string, record types.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	all[domain] = record
	return s.write(all)
}

func (s *TokenStore) ListDomains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(all))
	for d := range all {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *TokenStore) Delete(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := all[domain]; !ok {
		return nil
	}
	delete(all, domain)
	return s.write(all)
}

func (s *TokenStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(map[string]types.TokenRecord{})
}

// ReadAll returns the whole mapping, creating an empty document on first use.
func (s *TokenStore) ReadAll(ctx context.Context) (map[string]types.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read()
}

func (s *TokenStore) WriteAll(ctx context.Context, records map[string]types.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if records == nil {
		records = map[string]types.TokenRecord{}
	}
	return s.write(records)
}

func (s *TokenStore) read() (map[string]types.TokenRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		empty := map[string]types.TokenRecord{}
		if err := s.write(empty); err != nil {
			return nil, err
		}
		return empty, nil
	}
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "read %s", s.path)
	}
	out := map[string]types.TokenRecord{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		log.WithError(err).WithField("path", s.path).Error("tokens file is not valid json")
		return nil, types.Err(types.ErrDataStoreAccess, err, "decode %s", s.path)
	}
	return out, nil
}

func (s *TokenStore) write(all map[string]types.TokenRecord) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return types.Err(types.ErrDataStoreAccess, err, "encode tokens")
	}
	if err := writeAtomic(s.path, data, filePerm); err != nil {
		return types.Err(types.ErrDataStoreAccess, err, "")
	}
	return nil
}

// writeAtomic writes to a temp file in the target directory, syncs it and renames it over path.
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
