package staging

import (
	"context"
	"os"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir)
}

func TestStore_CreateAppendRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create("upload-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := s.AppendAt(ctx, "upload-1", 0, strings.NewReader("hello "))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 bytes written, got %d", n)
	}

	n, err = s.AppendAt(ctx, "upload-1", 6, strings.NewReader("world"))
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	length, err := s.Length("upload-1")
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 11 {
		t.Fatalf("expected length 11, got %d", length)
	}

	f, err := s.Open("upload-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	buf := make([]byte, 11)
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("unexpected contents: %q", buf)
	}
}

func TestStore_AppendAt_OffsetMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create("upload-2"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AppendAt(ctx, "upload-2", 0, strings.NewReader("abc")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Claiming offset 0 again, after 3 bytes are already on disk, must be
	// rejected rather than silently overwriting or duplicating data.
	if _, err := s.AppendAt(ctx, "upload-2", 0, strings.NewReader("xyz")); err != ErrOffsetMismatch {
		t.Fatalf("expected ErrOffsetMismatch, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Create("upload-3"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("upload-3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(s.binPath("upload-3")); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err: %v", err)
	}

	// Deleting an already-absent file must not be an error.
	if err := s.Delete("upload-3"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}
