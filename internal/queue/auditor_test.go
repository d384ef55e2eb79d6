package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
	"github.com/stretchr/testify/require"
)

func newAuditorFixture(t *testing.T) (*managerFixture, *Auditor) {
	t.Helper()

	f := newFixture(t, &fakeEngine{}, nil, Options{})
	auditor := NewAuditor(f.store, f.mgr.rec, f.mgr, nil, 0, time.Second)

	return f, auditor
}

func TestSweep_FailsCompletedItemWithMissingFile(t *testing.T) {
	f, auditor := newAuditorFixture(t)
	ctx := context.Background()

	intact := filepath.Join(t.TempDir(), "intact.mp4")
	require.NoError(t, os.WriteFile(intact, []byte("bytes"), 0o644))

	ok := seedItem(t, f.store, "ok", transfer.StatusCompleted)
	ok.LocalFilePath = intact
	f.store.Put(ctx, ok)

	gone := seedItem(t, f.store, "gone", transfer.StatusCompleted)
	gone.LocalFilePath = filepath.Join(t.TempDir(), "deleted.mp4")
	f.store.Put(ctx, gone)

	inGallery := seedItem(t, f.store, "gallery", transfer.StatusCompleted)
	inGallery.IsInGallery = true
	f.store.Put(ctx, inGallery)

	seedItem(t, f.store, "paused", transfer.StatusPaused)

	repairs := auditor.Sweep(ctx)
	require.Equal(t, 1, repairs)

	require.Equal(t, transfer.StatusCompleted, f.item(t, "ok").Status)
	require.Equal(t, transfer.StatusCompleted, f.item(t, "gallery").Status)
	require.Equal(t, transfer.StatusPaused, f.item(t, "paused").Status)

	failed := f.item(t, "gone")
	require.Equal(t, transfer.StatusFailed, failed.Status)
	require.Empty(t, failed.LocalFilePath)

	_, _, failedNotifs := f.notif.counts()
	require.Equal(t, 1, failedNotifs)
}

func TestSweep_Idempotent(t *testing.T) {
	f, auditor := newAuditorFixture(t)
	ctx := context.Background()

	gone := seedItem(t, f.store, "gone", transfer.StatusCompleted)
	gone.LocalFilePath = filepath.Join(t.TempDir(), "deleted.mp4")
	f.store.Put(ctx, gone)

	require.Equal(t, 1, auditor.Sweep(ctx))
	require.Equal(t, 0, auditor.Sweep(ctx), "a sweep over consistent state changes nothing")
	require.Equal(t, 0, auditor.Sweep(ctx))

	_, _, failedNotifs := f.notif.counts()
	require.Equal(t, 1, failedNotifs, "repeated sweeps must not duplicate notifications")
}

func TestSweep_DropsGhostHandles(t *testing.T) {
	f, auditor := newAuditorFixture(t)
	ctx := context.Background()

	intact := filepath.Join(t.TempDir(), "stuck.mp4")
	require.NoError(t, os.WriteFile(intact, []byte("bytes"), 0o644))

	item := seedItem(t, f.store, "stuck", transfer.StatusCompleted)
	item.LocalFilePath = intact
	f.store.Put(ctx, item)

	// A handle that survived its record going terminal would hold a slot
	// forever.
	_, cancel := context.WithCancelCause(context.Background())
	f.mgr.mu.Lock()
	f.mgr.active["stuck"] = cancel
	f.mgr.active["vanished"] = cancel
	f.mgr.mu.Unlock()

	repairs := auditor.Sweep(ctx)
	require.Equal(t, 2, repairs)

	// Only the handles are repaired; the intact record is untouched.
	require.Equal(t, transfer.StatusCompleted, f.item(t, "stuck").Status)

	f.mgr.mu.Lock()
	remaining := len(f.mgr.active)
	f.mgr.mu.Unlock()
	require.Zero(t, remaining)

	require.Equal(t, 0, auditor.Sweep(ctx))
}

func TestSweep_StorageAccountingStaysConsistent(t *testing.T) {
	f, auditor := newAuditorFixture(t)
	ctx := context.Background()

	gone := seedItem(t, f.store, "gone", transfer.StatusCompleted)
	gone.LocalFilePath = filepath.Join(t.TempDir(), "deleted.mp4")
	gone.SizeBytes = 4096
	f.store.Put(ctx, gone)

	require.Equal(t, int64(4096), f.mgr.TotalStorageUsed())

	auditor.Sweep(ctx)

	// The failed item no longer holds cache bytes.
	require.Zero(t, f.mgr.TotalStorageUsed())
}
