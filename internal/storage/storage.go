// Package storage defines the persistent system-of-record for download
// items. The scheduler, reconciler, auditor, and control surface all read
// from the same store; mutation flows through the reconciler's guarded path.
package storage

import (
	"context"

	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

// DownloadStore is the durable ordered collection of download items, keyed
// by id, surviving process restarts.
type DownloadStore interface {
	// Load reads the persisted collection. Interrupted items are
	// reclassified: a downloading item whose file is gone becomes failed,
	// otherwise paused. A corrupt document yields an empty store, not an
	// error.
	Load(ctx context.Context) error

	// Get returns a copy of the item with the given id.
	Get(id string) (transfer.DownloadItem, bool)

	// List returns copies of all items, ordered by DateAdded.
	List() []transfer.DownloadItem

	// Put inserts or replaces an item and schedules a debounced save.
	Put(ctx context.Context, item transfer.DownloadItem)

	// Mutate applies fn to the stored item under the store lock and
	// schedules a debounced save. Returns false when the id is unknown.
	Mutate(ctx context.Context, id string, fn func(*transfer.DownloadItem)) bool

	// Remove deletes the record and schedules a debounced save.
	Remove(ctx context.Context, id string) bool

	// TotalStorageUsed sums SizeBytes over completed, cache-resident items.
	TotalStorageUsed() int64

	// Flush forces any pending debounced save to disk.
	Flush(ctx context.Context) error

	// Close flushes and stops the debounce machinery.
	Close() error
}
