// Package staging manages the local on-disk staging area uploads are
// appended into before the completion pipeline promotes them to object
// storage. Grounded on tusd's local filesystem backend
// (pkg/filestore), with the locking model split out the way
// pkg/filelocker separates it from the byte storage itself.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tus/lockfile"

	"uploadsvc/internal/logging"
)

var ErrOffsetMismatch = errors.New("staging: write does not start at the current end of file")

const defaultFilePerm = os.FileMode(0o644)

// Store manages staging files rooted at Path. It does not check whether
// Path exists; callers should os.MkdirAll it during startup.
type Store struct {
	Path string

	mu       sync.Mutex
	uriLocks map[string]*sync.Mutex
}

func New(path string) *Store {
	return &Store{
		Path:     path,
		uriLocks: make(map[string]*sync.Mutex),
	}
}

// Create creates an empty staging file for id, failing if one already
// exists.
func (s *Store) Create(id string) error {
	f, err := os.OpenFile(s.binPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("staging directory does not exist: %s", s.Path)
		}
		return err
	}
	return f.Close()
}

// Length reports the current size on disk of the staging file for id.
func (s *Store) Length(id string) (int64, error) {
	st, err := os.Stat(s.binPath(id))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// AppendAt writes src to the staging file for id, requiring the write to
// begin exactly at offset (the caller-claimed current end of file). It
// takes an exclusive advisory file lock for the duration of the write, so
// that concurrent APPEND requests against the same upload URI from
// different processes serialize instead of corrupting the file, and an
// in-process mutex keyed by id so goroutines within this process don't
// even race to acquire the advisory lock.
func (s *Store) AppendAt(ctx context.Context, id string, offset int64, src io.Reader) (int64, error) {
	guard := s.uriMutex(id)
	guard.Lock()
	defer guard.Unlock()

	lock, err := s.acquireLock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			logging.Warn("staging_unlock_failed", map[string]any{"upload_id": id, "error": uerr.Error()})
		}
	}()

	st, err := os.Stat(s.binPath(id))
	if err != nil {
		return 0, err
	}
	if st.Size() != offset {
		return 0, ErrOffsetMismatch
	}

	f, err := os.OpenFile(s.binPath(id), os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, src)
	if err == io.ErrUnexpectedEOF {
		// A paused or interrupted client connection ends the chunk early;
		// whatever was written so far is still valid.
		err = nil
	}
	if err == nil {
		err = f.Sync()
	}

	return n, err
}

// Open returns a reader over the full staging file contents, used by the
// completion pipeline to stream the checksum and the promotion upload.
func (s *Store) Open(id string) (*os.File, error) {
	return os.Open(s.binPath(id))
}

// Delete removes the staging file for id. It is not an error if the file
// is already gone.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.binPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) binPath(id string) string {
	return filepath.Join(s.Path, id)
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.Path, id+".lock")
}

func (s *Store) uriMutex(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.uriLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.uriLocks[id] = m
	}
	return m
}

func (s *Store) acquireLock(ctx context.Context, id string) (lockfile.Lockfile, error) {
	path, err := filepath.Abs(s.lockPath(id))
	if err != nil {
		return "", err
	}
	lock := lockfile.Lockfile(path)

	for {
		err := lock.TryLock()
		if err == nil {
			return lock, nil
		}
		if err == lockfile.ErrNotExist || err == lockfile.ErrBusy {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		return "", err
	}
}
