package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "downloads.json")
	s := New(path, "kaizen.downloads", 10*time.Millisecond, nil)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func item(id string, status transfer.Status) transfer.DownloadItem {
	return transfer.DownloadItem{
		ID:               id,
		ContentID:        "a1",
		EpisodeOrChapter: id,
		Variant:          transfer.VariantPrimary,
		Title:            "Episode " + id,
		SourceURL:        "https://x/" + id + ".mp4",
		Status:           status,
		DateAdded:        time.Now().UnixMilli(),
	}
}

func TestStore_PersistsAndReloads(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	first := item("d1", transfer.StatusPending)
	s.Put(ctx, first)
	require.NoError(t, s.Flush(ctx))

	// The document must be a JSON array under the namespaced key.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string][]transfer.DownloadItem
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc["kaizen.downloads"], 1)
	require.Equal(t, "d1", doc["kaizen.downloads"][0].ID)

	reloaded := New(path, "kaizen.downloads", time.Minute, nil)
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Get("d1")
	require.True(t, ok)
	require.Equal(t, first, got)
}

func TestStore_LoadReclassifiesInterruptedDownloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "downloads.json")
	ctx := context.Background()

	existing := filepath.Join(dir, "d2.mp4.part")
	require.NoError(t, os.WriteFile(existing, []byte("partial"), 0o644))

	seed := New(path, "kaizen.downloads", time.Minute, nil)

	gone := item("d1", transfer.StatusDownloading)
	gone.LocalFilePath = filepath.Join(dir, "missing.part")
	seed.Put(ctx, gone)

	resumable := item("d2", transfer.StatusDownloading)
	resumable.LocalFilePath = existing
	seed.Put(ctx, resumable)

	require.NoError(t, seed.Close())

	s := New(path, "kaizen.downloads", time.Minute, nil)
	require.NoError(t, s.Load(ctx))

	d1, ok := s.Get("d1")
	require.True(t, ok)
	require.Equal(t, transfer.StatusFailed, d1.Status, "downloading item with a missing file must fail on reload")

	d2, ok := s.Get("d2")
	require.True(t, ok)
	require.Equal(t, transfer.StatusPaused, d2.Status, "downloading item with an intact file must pause on reload")
}

func TestStore_LoadClearsStaleResumeTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "downloads.json")
	ctx := context.Background()

	seed := New(path, "kaizen.downloads", time.Minute, nil)

	done := item("d1", transfer.StatusCompleted)
	done.Progress = 1
	done.LocalFilePath = filepath.Join(dir, "d1.mp4")
	done.ResumeToken = "stale-token"
	seed.Put(ctx, done)

	require.NoError(t, seed.Close())

	s := New(path, "kaizen.downloads", time.Minute, nil)
	require.NoError(t, s.Load(ctx))

	got, ok := s.Get("d1")
	require.True(t, ok)
	require.Empty(t, got.ResumeToken, "a token on a non-paused item is stale and must be dropped")
}

func TestStore_CorruptDocumentStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := New(path, "kaizen.downloads", time.Minute, nil)
	require.NoError(t, s.Load(context.Background()), "corruption must not fail the launch")
	require.Empty(t, s.List())
}

func TestStore_DebounceCoalescesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	s := New(path, "kaizen.downloads", 50*time.Millisecond, nil)
	defer s.Close()

	ctx := context.Background()
	s.Put(ctx, item("d1", transfer.StatusPending))

	// Rapid successive progress updates inside the window.
	for i := 0; i < 20; i++ {
		s.Mutate(ctx, "d1", func(it *transfer.DownloadItem) {
			it.Progress = float64(i) / 20
		})
	}

	// Nothing on disk until the window elapses.
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "writes inside the debounce window must coalesce")

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond, "debounced write should land after the window")
}

func TestStore_StorageAccounting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	completed := item("d1", transfer.StatusCompleted)
	completed.Progress = 1
	completed.SizeBytes = 1000
	completed.LocalFilePath = "/cache/d1.mp4"
	s.Put(ctx, completed)

	inGallery := item("d2", transfer.StatusCompleted)
	inGallery.Progress = 1
	inGallery.SizeBytes = 500
	inGallery.IsInGallery = true
	s.Put(ctx, inGallery)

	downloading := item("d3", transfer.StatusDownloading)
	downloading.SizeBytes = 700
	s.Put(ctx, downloading)

	require.Equal(t, int64(1000), s.TotalStorageUsed(),
		"only completed cache-resident items count toward storage")

	// Relocating d1 to the gallery reclaims its cache bytes.
	s.Mutate(ctx, "d1", func(it *transfer.DownloadItem) {
		it.IsInGallery = true
		it.LocalFilePath = ""
	})
	require.Zero(t, s.TotalStorageUsed())

	// Removing accounted items keeps the sum consistent.
	s.Mutate(ctx, "d1", func(it *transfer.DownloadItem) {
		it.IsInGallery = false
		it.LocalFilePath = "/cache/d1.mp4"
	})
	require.Equal(t, int64(1000), s.TotalStorageUsed())
	require.True(t, s.Remove(ctx, "d1"))
	require.Zero(t, s.TotalStorageUsed())
}

func TestStore_ListOrderedByDateAdded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	newer := item("d2", transfer.StatusPending)
	newer.DateAdded = 2000
	s.Put(ctx, newer)

	older := item("d1", transfer.StatusPending)
	older.DateAdded = 1000
	s.Put(ctx, older)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "d1", list[0].ID)
	require.Equal(t, "d2", list[1].ID)
}
