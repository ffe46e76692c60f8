// Package storage persists channel snapshots as JSON files.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale is returned by PutIf when the keep check rejects the write.
	ErrStale = errors.New("stale write")
)

// Storage provides file-based JSON storage. Keys are path segments; each
// segment is escaped, so any string is a valid key.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a new Storage instance rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// BasePath returns the root directory.
func (s *Storage) BasePath() string {
	return s.basePath
}

func escapeKey(key string) string {
	escaped := url.PathEscape(key)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}

func unescapeKey(name string) (string, error) {
	return url.PathUnescape(name)
}

func (s *Storage) pathToDir(path []string) string {
	parts := make([]string, 0, len(path)+1)
	parts = append(parts, s.basePath)
	for _, p := range path {
		parts = append(parts, escapeKey(p))
	}
	return filepath.Join(parts...)
}

func (s *Storage) pathToFile(path []string) string {
	return s.pathToDir(path) + ".json"
}

// Get reads the value stored at path into v.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	data, err := os.ReadFile(s.pathToFile(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// PutIf stores v at path unless keep (when non-nil) reports that the current contents must
// be kept, in which case ErrStale is returned. The check and the write happen
// under the same file lock.
func (s *Storage) PutIf(ctx context.Context, path []string, v any, keep func(current json.RawMessage) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath := s.pathToFile(path)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if keep != nil {
		current, err := os.ReadFile(filePath)
		if err == nil && keep(current) {
			return ErrStale
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial file.
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes the value at path. Deleting a missing value is not an error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath := s.pathToFile(path)
	if _, err := os.Stat(filepath.Dir(filePath)); os.IsNotExist(err) {
		return nil
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the unescaped keys stored directly under path.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	var keys []string
	err := s.Scan(ctx, path, func(key string, _ json.RawMessage) error {
		keys = append(keys, key)
		return nil
	})
	if keys == nil {
		keys = []string{}
	}
	return keys, err
}

// Scan calls fn for every value stored directly under path. Unreadable files
// are skipped.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dirPath := s.pathToDir(path)

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		key, err := unescapeKey(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if err := fn(key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}
