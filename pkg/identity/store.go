package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Scope names a persisted storage scope.
type Scope string

const (
	// ScopeSession lives as long as the login session and is checked first.
	ScopeSession Scope = "session"
	// ScopeLocal survives restarts and is the fallback.
	ScopeLocal Scope = "local"
)

// FileStore keeps an identity per scope as a JSON document on disk.
type FileStore struct {
	SessionPath string
	LocalPath   string
	Logger      *slog.Logger
}

// NewFileStore creates a FileStore over the two paths. Either may be empty.
func NewFileStore(sessionPath, localPath string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{SessionPath: sessionPath, LocalPath: localPath, Logger: logger}
}

// Paths returns the configured paths in lookup order, skipping empty ones.
func (s *FileStore) Paths() []string {
	var out []string
	for _, p := range []string{s.SessionPath, s.LocalPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *FileStore) path(scope Scope) (string, error) {
	switch scope {
	case ScopeSession:
		return s.SessionPath, nil
	case ScopeLocal:
		return s.LocalPath, nil
	}
	return "", fmt.Errorf("identity: unknown scope %q", scope)
}

// Resolve returns the session identity when present, otherwise the local
// one. Missing, empty or unreadable documents fall through to the next scope.
func (s *FileStore) Resolve() (Identity, error) {
	for _, scope := range []Scope{ScopeSession, ScopeLocal} {
		p, _ := s.path(scope)
		if p == "" {
			continue
		}
		id, err := readIdentity(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.Logger.Debug("identity: skipping unreadable scope", "scope", scope, "path", p, "error", err)
			}
			continue
		}
		if id.IsZero() {
			continue
		}
		return id, nil
	}
	return Identity{}, ErrNoIdentity
}

// Save writes id into scope, replacing the previous document atomically.
func (s *FileStore) Save(scope Scope, id Identity) error {
	p, err := s.path(scope)
	if err != nil {
		return err
	}
	if p == "" {
		return fmt.Errorf("identity: no path configured for scope %q", scope)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("identity: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("identity: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("identity: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("identity: rename: %w", err)
	}
	return nil
}

// Clear removes the document for scope. A missing document is not an error.
func (s *FileStore) Clear(scope Scope) error {
	p, err := s.path(scope)
	if err != nil || p == "" {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: remove: %w", err)
	}
	return nil
}

func readIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return id, nil
}
