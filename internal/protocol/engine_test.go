package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"uploadsvc/internal/staging"
	"uploadsvc/internal/store"
)

// memStore is a minimal in-memory store.MetadataStore for exercising the
// protocol engine without a database.
type memStore struct {
	mu   sync.Mutex
	rows map[string]store.FileInfo
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]store.FileInfo)} }

func (m *memStore) Insert(_ context.Context, fi store.FileInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[fi.UploadURI] = fi
	return nil
}

func (m *memStore) FindByURI(_ context.Context, uri string) (store.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, ok := m.rows[uri]
	if !ok {
		return store.FileInfo{}, store.ErrNotFound
	}
	return fi, nil
}

func (m *memStore) Save(_ context.Context, fi store.FileInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[fi.UploadURI]; !ok {
		return store.ErrNotFound
	}
	fi.UpdatedAt = time.Now().UTC()
	m.rows[fi.UploadURI] = fi
	return nil
}

func (m *memStore) CompleteIfOffsetMatches(_ context.Context, uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, ok := m.rows[uri]
	if !ok || fi.Status != store.StatusUploading || fi.Offset != fi.TotalSize {
		return false, nil
	}
	fi.Status = store.StatusCompleted
	m.rows[uri] = fi
	return true, nil
}

func (m *memStore) FindByStatus(_ context.Context, status store.Status) ([]store.FileInfo, error) {
	return nil, nil
}

func (m *memStore) FindAll(_ context.Context) ([]store.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.FileInfo, 0, len(m.rows))
	for _, fi := range m.rows {
		out = append(out, fi)
	}
	return out, nil
}

func (m *memStore) FindStaleByStatus(_ context.Context, status store.Status, olderThan time.Time) ([]store.FileInfo, error) {
	return nil, nil
}

func (m *memStore) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, uri)
	return nil
}

func (m *memStore) DeleteIfNotUpdatedSince(_ context.Context, uri string, watermark time.Time) (bool, error) {
	return false, nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCompleter) Complete(_ context.Context, uploadURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadURI)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeCompleter) {
	t.Helper()
	completer := &fakeCompleter{}
	eng := New(newMemStore(), staging.New(t.TempDir()), completer, Config{MaxUploadSize: 1 << 20})
	return eng, completer
}

func TestEngine_CreateAppendInspectComplete(t *testing.T) {
	eng, completer := newTestEngine(t)

	createReq := httptest.NewRequest(http.MethodPost, "/files", nil)
	createReq.Header.Set("Upload-Length", "11")
	createRec := httptest.NewRecorder()
	eng.Route(createRec, createReq)

	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	location := createRec.Header().Get("Location")
	if location == "" {
		t.Fatal("expected Location header")
	}

	appendFirst := httptest.NewRequest(http.MethodPatch, location, strings.NewReader("hello "))
	appendFirst.Header.Set("Content-Type", "application/offset+octet-stream")
	appendFirst.Header.Set("Upload-Offset", "0")
	firstRec := httptest.NewRecorder()
	eng.Route(firstRec, appendFirst)

	if firstRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", firstRec.Code, firstRec.Body.String())
	}
	if got := firstRec.Header().Get("Upload-Offset"); got != "6" {
		t.Fatalf("expected Upload-Offset 6, got %s", got)
	}

	inspectReq := httptest.NewRequest(http.MethodHead, location, nil)
	inspectRec := httptest.NewRecorder()
	eng.Route(inspectRec, inspectReq)
	if got := inspectRec.Header().Get("Upload-Offset"); got != "6" {
		t.Fatalf("expected inspect offset 6, got %s", got)
	}

	appendSecond := httptest.NewRequest(http.MethodPatch, location, strings.NewReader("world"))
	appendSecond.Header.Set("Content-Type", "application/offset+octet-stream")
	appendSecond.Header.Set("Upload-Offset", "6")
	secondRec := httptest.NewRecorder()
	eng.Route(secondRec, appendSecond)

	if secondRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", secondRec.Code, secondRec.Body.String())
	}
	if got := secondRec.Header().Get("Upload-Offset"); got != "11" {
		t.Fatalf("expected Upload-Offset 11, got %s", got)
	}

	completer.mu.Lock()
	calls := len(completer.calls)
	completer.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected completion pipeline to run exactly once, ran %d times", calls)
	}
}

func TestEngine_Append_OffsetConflict(t *testing.T) {
	eng, _ := newTestEngine(t)

	createReq := httptest.NewRequest(http.MethodPost, "/files", nil)
	createReq.Header.Set("Upload-Length", "5")
	createRec := httptest.NewRecorder()
	eng.Route(createRec, createReq)
	location := createRec.Header().Get("Location")

	appendReq := httptest.NewRequest(http.MethodPatch, location, strings.NewReader("xyz"))
	appendReq.Header.Set("Content-Type", "application/offset+octet-stream")
	appendReq.Header.Set("Upload-Offset", "2") // wrong, server offset is 0
	rec := httptest.NewRecorder()
	eng.Route(rec, appendReq)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "0") {
		t.Fatalf("expected conflict body to report server offset 0, got %q", rec.Body.String())
	}
}

func TestEngine_Terminate(t *testing.T) {
	eng, _ := newTestEngine(t)

	createReq := httptest.NewRequest(http.MethodPost, "/files", nil)
	createReq.Header.Set("Upload-Length", "3")
	createRec := httptest.NewRecorder()
	eng.Route(createRec, createReq)
	location := createRec.Header().Get("Location")

	delReq := httptest.NewRequest(http.MethodDelete, location, nil)
	delRec := httptest.NewRecorder()
	eng.Route(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}

	inspectReq := httptest.NewRequest(http.MethodHead, location, nil)
	inspectRec := httptest.NewRecorder()
	eng.Route(inspectRec, inspectReq)
	if inspectRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after terminate, got %d", inspectRec.Code)
	}
}

func TestEngine_Discover(t *testing.T) {
	eng, _ := newTestEngine(t)

	req := httptest.NewRequest(http.MethodOptions, "/files", nil)
	rec := httptest.NewRecorder()
	eng.Route(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Tus-Version") != "1.0.0" {
		t.Fatalf("expected Tus-Version 1.0.0, got %s", rec.Header().Get("Tus-Version"))
	}
	maxSize, _ := strconv.Atoi(rec.Header().Get("Tus-Max-Size"))
	if maxSize != 1<<20 {
		t.Fatalf("expected Tus-Max-Size %d, got %d", 1<<20, maxSize)
	}
}

func TestEngine_Create_Oversize(t *testing.T) {
	eng, _ := newTestEngine(t)

	req := httptest.NewRequest(http.MethodPost, "/files", nil)
	req.Header.Set("Upload-Length", strconv.Itoa((1<<20)+1))
	rec := httptest.NewRecorder()
	eng.Route(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestEngine_Create_ExtensionRejected(t *testing.T) {
	completer := &fakeCompleter{}
	eng := New(newMemStore(), staging.New(t.TempDir()), completer, Config{
		MaxUploadSize:     1 << 20,
		AllowedExtensions: []string{"pdf"},
	})

	req := httptest.NewRequest(http.MethodPost, "/files", nil)
	req.Header.Set("Upload-Length", "3")
	req.Header.Set("Upload-Metadata", "filename cGljLnBuZw==") // "pic.png"
	rec := httptest.NewRecorder()
	eng.Route(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestEngine_Create_NoFilenameSkipsExtensionCheck ensures an allow-list
// only rejects a CREATE that actually declared a filename; a client that
// never sends Upload-Metadata at all must not be penalized for the
// "upload.bin" placeholder name used internally.
func TestEngine_Create_NoFilenameSkipsExtensionCheck(t *testing.T) {
	completer := &fakeCompleter{}
	eng := New(newMemStore(), staging.New(t.TempDir()), completer, Config{
		MaxUploadSize:     1 << 20,
		AllowedExtensions: []string{"pdf"},
	})

	req := httptest.NewRequest(http.MethodPost, "/files", nil)
	req.Header.Set("Upload-Length", "3")
	rec := httptest.NewRecorder()
	eng.Route(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEngine_Append_ExcessBytesDiscarded(t *testing.T) {
	eng, _ := newTestEngine(t)

	createReq := httptest.NewRequest(http.MethodPost, "/files", nil)
	createReq.Header.Set("Upload-Length", "5")
	createRec := httptest.NewRecorder()
	eng.Route(createRec, createReq)
	location := createRec.Header().Get("Location")

	appendReq := httptest.NewRequest(http.MethodPatch, location, strings.NewReader("hello world"))
	appendReq.Header.Set("Content-Type", "application/offset+octet-stream")
	appendReq.Header.Set("Upload-Offset", "0")
	rec := httptest.NewRecorder()
	eng.Route(rec, appendReq)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Upload-Offset"); got != "5" {
		t.Fatalf("expected Upload-Offset 5 (excess bytes discarded), got %s", got)
	}
}
