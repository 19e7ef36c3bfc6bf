// Package store persists interrupted transfer sessions so they can be
// resumed by a later invocation.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitaminmoo/smp-tool/internal/transfer"
)

// ErrNotFound is returned by Load when no session is stored under a key.
var ErrNotFound = errors.New("session not found")

// Store manages a directory of saved transfer sessions.
type Store struct {
	baseDir     string
	sessionsDir string
	indexPath   string
}

// Record is one saved session and where its bytes came from.
type Record struct {
	Key       string           `yaml:"key"`
	Target    string           `yaml:"target"`
	Source    Source           `yaml:"source"`
	Session   transfer.Session `yaml:"session"`
	CreatedAt time.Time        `yaml:"created_at"`
}

// Source records where the transferred bytes were obtained from.
type Source struct {
	Device   string `yaml:"device,omitempty"`
	Filename string `yaml:"filename,omitempty"`
}

// Index contains quick lookup information for all sessions.
type Index struct {
	Sessions  map[string]IndexEntry `yaml:"sessions"` // key -> entry
	UpdatedAt time.Time             `yaml:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Key       string             `yaml:"key"`
	Target    string             `yaml:"target"`
	Direction transfer.Direction `yaml:"direction"`
	Offset    int                `yaml:"offset"`
	Total     int                `yaml:"total"`
	State     transfer.State     `yaml:"state"`
	Filename  string             `yaml:"filename,omitempty"`
	UpdatedAt time.Time          `yaml:"updated_at"`
}

// DefaultPath returns the default store path (~/.smp/sessions).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".smp", "sessions"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:     path,
		sessionsDir: filepath.Join(path, "sessions"),
		indexPath:   filepath.Join(path, "index.yaml"),
	}
	if err := os.MkdirAll(s.sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return s, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Save writes rec, replacing any session stored under the same key. The
// key is derived from the session hash and target when empty.
func (s *Store) Save(rec Record) error {
	if rec.Key == "" {
		if rec.Session.Hash == "" {
			return fmt.Errorf("session %s has no content hash", rec.Session.ID)
		}
		rec.Key = Key(rec.Session.Hash, rec.Target)
	}
	if rec.CreatedAt.IsZero() {
		if old, err := s.Load(rec.Key); err == nil {
			rec.CreatedAt = old.CreatedAt
		} else {
			rec.CreatedAt = time.Now()
		}
	}

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(s.recordPath(rec.Key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := s.updateIndex(func(idx *Index) {
		idx.Sessions[rec.Key] = IndexEntry{
			Key:       rec.Key,
			Target:    rec.Target,
			Direction: rec.Session.Direction,
			Offset:    rec.Session.Offset,
			Total:     rec.Session.Total,
			State:     rec.Session.State,
			Filename:  rec.Source.Filename,
			UpdatedAt: rec.Session.UpdatedAt,
		}
	}); err != nil {
		return fmt.Errorf("failed to update index: %w", err)
	}
	return nil
}

// Load returns the record stored under key.
func (s *Store) Load(key string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", key, err)
	}
	return &rec, nil
}

// Delete removes the session stored under key. Deleting a missing key is
// not an error.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.recordPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.updateIndex(func(idx *Index) { delete(idx.Sessions, key) })
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]IndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Sessions))
	for _, entry := range index.Sessions {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

// Count returns the number of saved sessions.
func (s *Store) Count() (int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return len(index.Sessions), nil
}

func (s *Store) recordPath(key string) string {
	return filepath.Join(s.sessionsDir, keyToFilename(key)+".yaml")
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Sessions: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Sessions == nil {
		index.Sessions = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(mutate func(*Index)) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	mutate(index)
	index.UpdatedAt = time.Now()

	data, err := yaml.Marshal(index)
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}
