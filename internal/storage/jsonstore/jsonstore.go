// Package jsonstore persists the download collection as a single JSON
// document under a namespaced key, replaced atomically on every write.
package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

const filePerm = 0o644

// Store is a debounced write-through JSON file store. All methods are safe
// for concurrent use.
type Store struct {
	path      string
	namespace string
	debounce  time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	items       map[string]*transfer.DownloadItem
	order       []string
	dirty       bool
	timer       *time.Timer
	storageUsed int64
	closed      bool
}

// New creates a store persisting to path under the given namespace key.
// debounce is the save coalescing window; rapid successive mutations
// collapse into one write.
func New(path, namespace string, debounce time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		path:      path,
		namespace: namespace,
		debounce:  debounce,
		logger:    logger,
		items:     make(map[string]*transfer.DownloadItem),
	}
}

// Load reads the persisted collection and repairs items interrupted by
// process death: the app cannot reattach to an in-flight transfer after a
// restart, so a downloading item becomes paused when its partial file still
// exists and failed when it does not. A document that fails to parse yields
// an empty store; losing records beats refusing to launch.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read state file: %w", err)
	}

	var doc map[string][]transfer.DownloadItem
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("state file is corrupt, starting empty", "path", s.path, "err", err)

		return nil
	}

	loaded := doc[s.namespace]

	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].DateAdded < loaded[j].DateAdded
	})

	repaired := 0

	for i := range loaded {
		item := loaded[i]

		if item.Status == transfer.StatusDownloading {
			if _, statErr := os.Stat(item.LocalFilePath); statErr != nil {
				item.Status = transfer.StatusFailed
				item.ResumeToken = ""
			} else {
				item.Status = transfer.StatusPaused
			}

			repaired++
		}

		// A token on anything but a paused item is stale.
		if item.Status != transfer.StatusPaused && item.ResumeToken != "" {
			item.ResumeToken = ""
			repaired++
		}

		s.items[item.ID] = &item
		s.order = append(s.order, item.ID)
	}

	s.recomputeStorageLocked()

	if repaired > 0 {
		s.logger.Info("repaired interrupted downloads on load", "count", repaired)
		s.markDirtyLocked()
	}

	return nil
}

// Get returns a copy of the item with the given id.
func (s *Store) Get(id string) (transfer.DownloadItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return transfer.DownloadItem{}, false
	}

	return *item, true
}

// List returns copies of all items, ordered by DateAdded.
func (s *Store) List() []transfer.DownloadItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transfer.DownloadItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateAdded < out[j].DateAdded
	})

	return out
}

// Put inserts or replaces an item.
func (s *Store) Put(ctx context.Context, item transfer.DownloadItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; !exists {
		s.order = append(s.order, item.ID)
	}

	stored := item
	s.items[item.ID] = &stored

	s.recomputeStorageLocked()
	s.markDirtyLocked()
}

// Mutate applies fn to the stored item under the store lock.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*transfer.DownloadItem)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false
	}

	fn(item)

	s.recomputeStorageLocked()
	s.markDirtyLocked()

	return true
}

// Remove deletes the record.
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false
	}

	delete(s.items, id)

	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	s.recomputeStorageLocked()
	s.markDirtyLocked()

	return true
}

// TotalStorageUsed sums SizeBytes over completed, cache-resident items.
func (s *Store) TotalStorageUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storageUsed
}

// Flush forces any pending debounced save to disk.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if !s.dirty {
		s.mu.Unlock()

		return nil
	}

	doc, err := s.encodeLocked()
	s.dirty = false
	s.mu.Unlock()

	if err != nil {
		return err
	}

	return s.writeAtomic(doc)
}

// Close flushes outstanding state and stops the debounce machinery.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.Flush(context.Background())
}

// markDirtyLocked schedules a save one debounce window after the first
// mutation of a burst. A timer already pending means the window is open and
// this change rides along.
func (s *Store) markDirtyLocked() {
	s.dirty = true

	if s.closed || s.timer != nil {
		return
	}

	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("failed to persist download state", "path", s.path, "err", err)
		}
	})
}

func (s *Store) recomputeStorageLocked() {
	var used int64

	for _, item := range s.items {
		if item.CacheResident() {
			used += item.SizeBytes
		}
	}

	s.storageUsed = used
}

func (s *Store) encodeLocked() ([]byte, error) {
	list := make([]transfer.DownloadItem, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, *s.items[id])
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].DateAdded < list[j].DateAdded
	})

	doc, err := json.MarshalIndent(map[string][]transfer.DownloadItem{s.namespace: list}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal download state: %w", err)
	}

	return doc, nil
}

// writeAtomic replaces the whole document in one rename so a crash mid-write
// can lose the latest window but never corrupt the record.
func (s *Store) writeAtomic(doc []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".downloads-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to chmod state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}
