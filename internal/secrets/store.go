// Package secrets provides a file-backed key/value store for runtime
// credentials. The backing file uses the dotenv format (one KEY=VALUE per
// line); process environment variables always take precedence on reads so
// operators can override persisted values without touching the file.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Recognized keys in the secrets file.
const (
	KeyAccessToken  = "WARP_JWT"
	KeyRefreshToken = "WARP_REFRESH_TOKEN"
	KeyIDToken      = "WARP_ID_TOKEN"
	KeyAccountsFile = "LOCAL_JWT_FILEPATH"
)

// Store is a thin facade over a dotenv-style secrets file. Set is the only
// writer; it rewrites the file atomically so concurrent readers observe
// either the previous or the new complete content, never a partial line.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the dotenv file at path. The file does
// not need to exist yet; the first Set creates it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the value for key. The process environment takes precedence
// over the file; an empty string means the key is unset in both.
func (s *Store) Get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := godotenv.Read(s.path)
	if err != nil {
		return ""
	}
	return values[key]
}

// Reload re-reads the secrets file and overlays its values onto the process
// environment, mirroring what sibling handlers may have persisted since the
// last read. A missing file is not an error.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Overload(s.path); err != nil {
		return fmt.Errorf("secrets: reload %s: %w", s.path, err)
	}
	return nil
}

// Set persists key=value into the secrets file and the process environment.
// The write is atomic (write-temp-then-rename with fsync) and preserves all
// other lines, including comments, byte for byte.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return err
	}

	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		name, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == key {
			lines[i] = key + "=" + value
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}

	if err = s.writeAtomic(strings.Join(lines, "\n") + "\n"); err != nil {
		return err
	}
	if err = os.Setenv(key, value); err != nil {
		return fmt.Errorf("secrets: set env %s: %w", key, err)
	}
	log.Debugf("secrets: persisted %s", key)
	return nil
}

// readLines returns the current file content split into lines without the
// trailing newline. A missing file yields an empty slice.
func (s *Store) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", s.path, err)
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

// writeAtomic writes content to a temp file in the same directory, fsyncs it
// and renames it over the target path.
func (s *Store) writeAtomic(content string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("secrets: create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("secrets: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err = tmp.WriteString(content); err == nil {
		err = tmp.Sync()
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("secrets: write temp file: %w", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("secrets: rename temp file: %w", err)
	}
	return nil
}
