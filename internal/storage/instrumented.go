package storage

import (
	"context"

	"github.com/serene-brew/kaizen-app-sub000/internal/telemetry"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

// InstrumentedStore wraps a DownloadStore with telemetry: spans and duration
// metrics for the I/O-bearing operations, and the storage-used gauge on
// every mutation.
type InstrumentedStore struct {
	store DownloadStore
	tel   *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented download store.
func NewInstrumentedStore(store DownloadStore, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, tel: tel}
}

func (s *InstrumentedStore) Load(ctx context.Context) error {
	return s.tel.InstrumentStoreOperation(ctx, "load", func(ctx context.Context) error {
		return s.store.Load(ctx)
	})
}

func (s *InstrumentedStore) Get(id string) (transfer.DownloadItem, bool) {
	return s.store.Get(id)
}

func (s *InstrumentedStore) List() []transfer.DownloadItem {
	return s.store.List()
}

func (s *InstrumentedStore) Put(ctx context.Context, item transfer.DownloadItem) {
	s.store.Put(ctx, item)
	s.tel.RecordStorageUsed(s.store.TotalStorageUsed())
}

func (s *InstrumentedStore) Mutate(ctx context.Context, id string, fn func(*transfer.DownloadItem)) bool {
	ok := s.store.Mutate(ctx, id, fn)
	s.tel.RecordStorageUsed(s.store.TotalStorageUsed())

	return ok
}

func (s *InstrumentedStore) Remove(ctx context.Context, id string) bool {
	ok := s.store.Remove(ctx, id)
	s.tel.RecordStorageUsed(s.store.TotalStorageUsed())

	return ok
}

func (s *InstrumentedStore) TotalStorageUsed() int64 {
	return s.store.TotalStorageUsed()
}

func (s *InstrumentedStore) Flush(ctx context.Context) error {
	return s.tel.InstrumentStoreOperation(ctx, "flush", func(ctx context.Context) error {
		return s.store.Flush(ctx)
	})
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
