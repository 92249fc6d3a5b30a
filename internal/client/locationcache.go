package client

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"uploadsvc/internal/store"
)

// FileLocationStore is the standalone-CLI counterpart to
// store.PostgresLocationStore: a JSON-file-backed cache of
// fingerprint -> uploadURL, for a client binary that has no Postgres of
// its own. It satisfies the same store.LocationStore contract, including
// self-healing on an unparseable URL.
type FileLocationStore struct {
	path string
	mu   sync.Mutex
}

type fileLocationEntry struct {
	UploadURL string    `json:"uploadURL"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var _ store.LocationStore = (*FileLocationStore)(nil)

func NewFileLocationStore(path string) *FileLocationStore {
	return &FileLocationStore{path: path}
}

func (s *FileLocationStore) Put(_ context.Context, fingerprint, uploadURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[fingerprint] = fileLocationEntry{UploadURL: uploadURL, UpdatedAt: time.Now().UTC()}
	return s.save(entries)
}

func (s *FileLocationStore) Get(_ context.Context, fingerprint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}
	entry, ok := entries[fingerprint]
	if !ok {
		return "", store.ErrNotFound
	}
	if _, err := url.ParseRequestURI(entry.UploadURL); err != nil {
		delete(entries, fingerprint)
		_ = s.save(entries)
		return "", store.ErrNotFound
	}
	return entry.UploadURL, nil
}

func (s *FileLocationStore) Remove(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	delete(entries, fingerprint)
	return s.save(entries)
}

func (s *FileLocationStore) load() (map[string]fileLocationEntry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]fileLocationEntry), nil
	}
	if err != nil {
		return nil, err
	}
	entries := make(map[string]fileLocationEntry)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileLocationStore) save(entries map[string]fileLocationEntry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
