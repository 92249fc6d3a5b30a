package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"uploadsvc/internal/staging"
	"uploadsvc/internal/store"
)

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
	m.rows[fi.UploadURI] = fi
	return nil
}
func (m *memStore) CompleteIfOffsetMatches(_ context.Context, uri string) (bool, error) {
	return false, nil
}
func (m *memStore) FindByStatus(_ context.Context, status store.Status) ([]store.FileInfo, error) {
	return nil, nil
}
func (m *memStore) FindAll(_ context.Context) ([]store.FileInfo, error) {
	return nil, nil
}
func (m *memStore) FindStaleByStatus(_ context.Context, status store.Status, olderThan time.Time) ([]store.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.FileInfo
	for _, fi := range m.rows {
		if fi.Status == status && fi.UpdatedAt.Before(olderThan) {
			out = append(out, fi)
		}
	}
	return out, nil
}
func (m *memStore) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, uri)
	return nil
}
func (m *memStore) DeleteIfNotUpdatedSince(_ context.Context, uri string, watermark time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, ok := m.rows[uri]
	if !ok {
		return false, nil
	}
	if !fi.UpdatedAt.Equal(watermark) {
		return false, nil
	}
	delete(m.rows, uri)
	return true, nil
}

func TestSweeper_DeletesStaleUpload(t *testing.T) {
	ms := newMemStore()
	stg := staging.New(t.TempDir())

	old := time.Now().Add(-48 * time.Hour)
	fi := store.FileInfo{UploadURI: "/files/stale1", FileName: "a", TotalSize: 10, Status: store.StatusUploading, UpdatedAt: old}
	_ = ms.Insert(context.Background(), fi)
	_ = stg.Create("stale1")

	sw := New(ms, stg, Config{Enabled: true, Interval: time.Hour, MaxAge: 24 * time.Hour})
	sw.runSweep(context.Background())

	if _, err := ms.FindByURI(context.Background(), "/files/stale1"); err != store.ErrNotFound {
		t.Fatalf("expected stale upload to be deleted, got %v", err)
	}
	if _, err := stg.Length("stale1"); err == nil {
		t.Fatal("expected staging file to be removed")
	}
}

func TestSweeper_SkipsRecentUpload(t *testing.T) {
	ms := newMemStore()
	stg := staging.New(t.TempDir())

	fi := store.FileInfo{UploadURI: "/files/fresh1", FileName: "a", TotalSize: 10, Status: store.StatusUploading, UpdatedAt: time.Now()}
	_ = ms.Insert(context.Background(), fi)

	sw := New(ms, stg, Config{Enabled: true, Interval: time.Hour, MaxAge: 24 * time.Hour})
	sw.runSweep(context.Background())

	if _, err := ms.FindByURI(context.Background(), "/files/fresh1"); err != nil {
		t.Fatalf("expected recent upload to survive, got %v", err)
	}
}

// raceStore wraps memStore but reports a stale snapshot from
// FindStaleByStatus while the row's real stored UpdatedAt has already
// moved on, modeling an APPEND landing between the sweep's query and its
// delete attempt.
type raceStore struct {
	*memStore
	staleSnapshot store.FileInfo
}

func (r *raceStore) FindStaleByStatus(_ context.Context, status store.Status, olderThan time.Time) ([]store.FileInfo, error) {
	return []store.FileInfo{r.staleSnapshot}, nil
}

// TestSweeper_StagingFileRemovedEvenIfRowSurvivesDelete ensures the
// staging file is deleted before the conditional row delete runs, so a
// row that was concurrently touched (and thus skipped by
// DeleteIfNotUpdatedSince) doesn't leave its staging file behind.
func TestSweeper_StagingFileRemovedEvenIfRowSurvivesDelete(t *testing.T) {
	ms := newMemStore()
	stg := staging.New(t.TempDir())

	old := time.Now().Add(-48 * time.Hour)
	fi := store.FileInfo{UploadURI: "/files/raced", FileName: "a", TotalSize: 10, Status: store.StatusUploading, UpdatedAt: old}
	_ = ms.Insert(context.Background(), fi)
	_ = stg.Create("raced")

	// A concurrent APPEND bumps UpdatedAt after the sweep's query ran
	// (modeled by the stale snapshot staying at `old`), so the
	// conditional delete below will find a mismatch and skip the row.
	touched := fi
	touched.UpdatedAt = time.Now()
	_ = ms.Save(context.Background(), touched)

	rs := &raceStore{memStore: ms, staleSnapshot: fi}
	sw := New(rs, stg, Config{Enabled: true, Interval: time.Hour, MaxAge: 24 * time.Hour})
	sw.runSweep(context.Background())

	if _, err := stg.Length("raced"); err == nil {
		t.Fatal("expected staging file to be removed even though the row delete was skipped")
	}
	if _, err := ms.FindByURI(context.Background(), "/files/raced"); err != nil {
		t.Fatalf("expected row to survive the skipped conditional delete, got %v", err)
	}
}

func TestSweeper_Disabled(t *testing.T) {
	ms := newMemStore()
	stg := staging.New(t.TempDir())
	sw := New(ms, stg, Config{Enabled: false})

	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return immediately when disabled")
	}
}
