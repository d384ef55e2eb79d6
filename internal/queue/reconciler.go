package queue

import (
	"context"
	"sync"
	"time"

	"github.com/serene-brew/kaizen-app-sub000/internal/storage"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

// EventKind enumerates the state changes that can be requested for an item.
// All mutation of download items flows through Reconciler.Apply so the guard
// rules below stay authoritative.
type EventKind int

const (
	// EventAdmit promotes a pending item to downloading. Requires an
	// active transfer handle.
	EventAdmit EventKind = iota

	// EventProgress is a byte-progress tick from the engine.
	EventProgress

	// EventPauseRequested suspends a downloading item on user command.
	EventPauseRequested

	// EventPauseSettled attaches the resume token captured after the
	// asynchronous pause finished unwinding.
	EventPauseSettled

	// EventResumeRequested re-enqueues a paused item for admission.
	EventResumeRequested

	// EventCompleted records a finished transfer.
	EventCompleted

	// EventFailed records a terminal failure.
	EventFailed

	// EventReset returns an item to pending from scratch: recoverable
	// failure restart or explicit restart of a failed item.
	EventReset

	// EventGalleryPlaced flips a completed item to gallery residency.
	EventGalleryPlaced

	// EventFileMissing fails a completed item whose cache file is gone.
	EventFileMissing
)

// Event is a requested state change for one item.
type Event struct {
	Kind EventKind

	// Progress fields.
	Written int64
	Total   int64

	// Completion fields.
	SizeBytes int64

	// Destination path, set on admission.
	Path string

	// Encoded resume token, set on pause settle.
	Token string
}

// Reconciler is the single guarded mutation path for download items. It
// enforces the transition guard rules and throttles high-frequency progress
// writes before they reach the store.
type Reconciler struct {
	store    storage.DownloadStore
	throttle time.Duration

	mu           sync.Mutex
	lastProgress map[string]time.Time
	now          func() time.Time
}

// NewReconciler creates a reconciler over the given store. throttle bounds
// how often progress events for one item reach the store; zero disables
// throttling.
func NewReconciler(store storage.DownloadStore, throttle time.Duration) *Reconciler {
	return &Reconciler{
		store:        store,
		throttle:     throttle,
		lastProgress: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Apply runs the transition function for one item. hasHandle reports whether
// an active transfer handle genuinely exists for the item; the scheduler
// owns that table and computes the flag. Apply returns the item after the
// event and whether any change was applied.
//
// Guard rules, highest priority first:
//  1. Terminal states win races: a completed item is never dragged back to
//     downloading by a stale progress callback.
//  2. A paused item only moves toward downloading when a transfer handle
//     exists, so a lagging callback cannot undo a user-initiated pause.
//  3. Progress writes are throttled per item before being applied.
func (r *Reconciler) Apply(ctx context.Context, id string, ev Event, hasHandle bool) (transfer.DownloadItem, bool) {
	if ev.Kind == EventProgress && !r.admitProgress(id) {
		item, _ := r.store.Get(id)
		return item, false
	}

	var (
		applied bool
		after   transfer.DownloadItem
	)

	found := r.store.Mutate(ctx, id, func(item *transfer.DownloadItem) {
		applied = transition(item, ev, hasHandle)
		after = *item
	})

	if !found {
		return transfer.DownloadItem{}, false
	}

	if applied && (after.Status.Terminal() || after.Status == transfer.StatusPaused) {
		r.mu.Lock()
		delete(r.lastProgress, id)
		r.mu.Unlock()
	}

	return after, applied
}

// admitProgress applies the per-item progress throttle.
func (r *Reconciler) admitProgress(id string) bool {
	if r.throttle <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.lastProgress[id]; ok && now.Sub(last) < r.throttle {
		return false
	}

	r.lastProgress[id] = now

	return true
}

// transition is the single state-transition function. It mutates item in
// place and reports whether anything changed.
func transition(item *transfer.DownloadItem, ev Event, hasHandle bool) bool {
	switch ev.Kind {
	case EventAdmit:
		if item.Status != transfer.StatusPending || !hasHandle {
			return false
		}

		item.Status = transfer.StatusDownloading
		// The engine consumed the token on admission; whatever is left on
		// the record is stale from here on.
		item.ResumeToken = ""
		if ev.Path != "" {
			item.LocalFilePath = ev.Path
		}

		return true

	case EventProgress:
		// Guard 1: terminal wins any race with a stale callback.
		if item.Status.Terminal() {
			return false
		}

		// Guard 2: a pause without a live handle stays paused.
		if item.Status != transfer.StatusDownloading && !hasHandle {
			return false
		}

		changed := false

		if ev.Total > 0 {
			progress := float64(ev.Written) / float64(ev.Total)
			if progress > 1 {
				progress = 1
			}

			// Progress is monotonically non-decreasing per item.
			if progress > item.Progress {
				item.Progress = progress
				changed = true
			}

			if item.SizeBytes != ev.Total {
				item.SizeBytes = ev.Total
				changed = true
			}
		}

		return changed

	case EventPauseRequested:
		if item.Status != transfer.StatusDownloading {
			return false
		}

		item.Status = transfer.StatusPaused
		item.ResumeToken = ""

		return true

	case EventPauseSettled:
		// Only trustworthy while still paused; anything else means the
		// user already moved on.
		if item.Status != transfer.StatusPaused {
			return false
		}

		item.ResumeToken = ev.Token

		return true

	case EventResumeRequested:
		if item.Status != transfer.StatusPaused {
			return false
		}

		// Token survives so admission can hand it back to the engine.
		item.Status = transfer.StatusPending

		return true

	case EventCompleted:
		if item.Status.Terminal() {
			return false
		}

		item.Status = transfer.StatusCompleted
		item.Progress = 1
		item.SizeBytes = ev.SizeBytes
		if ev.Path != "" {
			item.LocalFilePath = ev.Path
		}
		item.ResumeToken = ""

		return true

	case EventFailed:
		if item.Status.Terminal() {
			return false
		}

		item.Status = transfer.StatusFailed
		item.ResumeToken = ""

		return true

	case EventReset:
		// Completed stays won; paused stays the user's call even when a
		// failing transfer unwinds underneath it.
		if item.Status == transfer.StatusCompleted || item.Status == transfer.StatusPaused {
			return false
		}

		// Re-enters as a new pending item at the tail of the queue.
		item.Status = transfer.StatusPending
		item.Progress = 0
		item.SizeBytes = 0
		item.LocalFilePath = ""
		item.ResumeToken = ""
		item.DateAdded = time.Now().UnixMilli()

		return true

	case EventGalleryPlaced:
		if item.Status != transfer.StatusCompleted || item.IsInGallery {
			return false
		}

		item.IsInGallery = true
		item.LocalFilePath = ""

		return true

	case EventFileMissing:
		if item.Status != transfer.StatusCompleted || item.IsInGallery {
			return false
		}

		item.Status = transfer.StatusFailed
		item.LocalFilePath = ""

		return true
	}

	return false
}
