package queue

import (
	"context"
	"os"
	"time"

	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
	"github.com/serene-brew/kaizen-app-sub000/internal/storage"
	"github.com/serene-brew/kaizen-app-sub000/internal/telemetry"
)

// Auditor periodically verifies that the persisted state still matches the
// filesystem and the scheduler's handle table, and repairs what drifted. A
// sweep over a consistent state changes nothing, so running it again is
// always safe.
type Auditor struct {
	store storage.DownloadStore
	rec   *Reconciler
	mgr   *Manager
	tel   *telemetry.Telemetry

	settleDelay time.Duration
	interval    time.Duration
}

// NewAuditor creates an auditor. settleDelay postpones the startup sweep so
// load-time reclassification and early admissions settle first; interval
// paces the periodic sweeps.
func NewAuditor(store storage.DownloadStore, rec *Reconciler, mgr *Manager, tel *telemetry.Telemetry, settleDelay, interval time.Duration) *Auditor {
	return &Auditor{
		store:       store,
		rec:         rec,
		mgr:         mgr,
		tel:         tel,
		settleDelay: settleDelay,
		interval:    interval,
	}
}

// Run sweeps once after the settle delay, then on every interval tick, until
// ctx is canceled.
func (a *Auditor) Run(ctx context.Context) {
	if a.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.settleDelay):
		}
	}

	a.Sweep(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep runs one audit pass and returns the number of repairs applied.
//
// Two defects are repaired: a completed cache-resident item whose file is
// gone becomes failed (the user deleted it, or the claim was never true),
// and a transfer handle whose record disappeared or went terminal is
// dropped so it cannot hold a slot forever.
func (a *Auditor) Sweep(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)

	missing := 0

	for _, item := range a.store.List() {
		if !item.CacheResident() {
			continue
		}

		if item.LocalFilePath != "" {
			if _, err := os.Stat(item.LocalFilePath); err == nil {
				continue
			}
		}

		failed, applied := a.rec.Apply(ctx, item.ID, Event{Kind: EventFileMissing}, false)
		if !applied {
			continue
		}

		missing++

		logger.WarnContext(ctx, "completed file missing, marking failed",
			"id", item.ID, "title", item.Title, "path", item.LocalFilePath)

		a.mgr.notify(ctx, "failed", failed)
	}

	ghosts := a.mgr.dropGhostHandles()

	a.tel.RecordAuditRepairs(int64(missing), "missing_file")
	a.tel.RecordAuditRepairs(int64(ghosts), "ghost_handle")

	if missing+ghosts > 0 {
		a.mgr.kickScheduler()
	}

	return missing + ghosts
}
