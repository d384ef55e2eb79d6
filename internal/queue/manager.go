// Package queue schedules downloads through a bounded pool of transfer
// slots, reconciles engine callbacks with user commands, and audits the
// persisted state for drift.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serene-brew/kaizen-app-sub000/internal/downloader"
	"github.com/serene-brew/kaizen-app-sub000/internal/gallery"
	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
	"github.com/serene-brew/kaizen-app-sub000/internal/notifier"
	"github.com/serene-brew/kaizen-app-sub000/internal/storage"
	"github.com/serene-brew/kaizen-app-sub000/internal/telemetry"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

var (
	// ErrNotFound means no download item exists with the given id.
	ErrNotFound = errors.New("download not found")

	// ErrAlreadyCompleted rejects a start for content already downloaded.
	ErrAlreadyCompleted = errors.New("download already completed")

	// ErrAlreadyQueued rejects a start for content already queued or active.
	ErrAlreadyQueued = errors.New("download already queued or active")

	// ErrNotDownloading rejects a pause of an item that is not transferring.
	ErrNotDownloading = errors.New("download is not in progress")

	// ErrNotPaused rejects a resume of an item that is not paused.
	ErrNotPaused = errors.New("download is not paused")

	// ErrNotFailed rejects a restart of an item that has not failed.
	ErrNotFailed = errors.New("download has not failed")
)

// TransferEngine is the byte-transfer capability the scheduler drives.
type TransferEngine interface {
	Fetch(ctx context.Context, req downloader.Request) (*downloader.Result, error)
}

// GallerySink moves a completed file out of the cache into the device
// gallery. A nil sink leaves completed files cache-resident.
type GallerySink interface {
	Relocate(ctx context.Context, filePath string) (*gallery.Asset, error)
}

// Options tunes the scheduler.
type Options struct {
	// DownloadDir is where transfer destinations are allocated.
	DownloadDir string

	// MaxConcurrent bounds simultaneous transfers. Defaults to 2.
	MaxConcurrent int

	// MaxRestarts caps automatic re-enqueues after recoverable failures
	// before the item is failed for good. Defaults to 3.
	MaxRestarts int

	// NotifyStep is the progress granularity of user notifications.
	// Defaults to 0.1.
	NotifyStep float64
}

// StartRequest describes a new download.
type StartRequest struct {
	ID               string
	ContentID        string
	EpisodeOrChapter string
	Variant          transfer.Variant
	Title            string
	SourceURL        string
	ThumbnailURL     string
}

// Manager owns the download queue: the FIFO admission of pending items into
// a bounded set of transfer slots, the table of live transfer handles, and
// the user-facing lifecycle commands. All item mutation goes through the
// reconciler.
type Manager struct {
	store  storage.DownloadStore
	engine TransferEngine
	rec    *Reconciler
	sink   GallerySink
	notif  notifier.Notifier
	tel    *telemetry.Telemetry

	downloadDir   string
	maxConcurrent int
	maxRestarts   int
	notifyStep    float64

	mu           sync.Mutex
	active       map[string]context.CancelCauseFunc
	restarts     map[string]int
	lastNotified map[string]float64
	runCtx       context.Context

	kick chan struct{}
}

// NewManager wires a scheduler over the given store and engine. sink may be
// nil; notif may be nil to disable notifications.
func NewManager(
	store storage.DownloadStore,
	engine TransferEngine,
	rec *Reconciler,
	sink GallerySink,
	notif notifier.Notifier,
	tel *telemetry.Telemetry,
	opts Options,
) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}

	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 3
	}

	if opts.NotifyStep <= 0 {
		opts.NotifyStep = 0.1
	}

	return &Manager{
		store:         store,
		engine:        engine,
		rec:           rec,
		sink:          sink,
		notif:         notif,
		tel:           tel,
		downloadDir:   opts.DownloadDir,
		maxConcurrent: opts.MaxConcurrent,
		maxRestarts:   opts.MaxRestarts,
		notifyStep:    opts.NotifyStep,
		active:        make(map[string]context.CancelCauseFunc),
		restarts:      make(map[string]int),
		lastNotified:  make(map[string]float64),
		kick:          make(chan struct{}, 1),
	}
}

// Run drives scheduling passes until ctx is canceled. Passes are
// event-driven: every queue or slot change kicks one, so there is no
// busy-loop between changes.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download scheduler started",
		"max_concurrent", m.maxConcurrent,
	)

	m.schedulePass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.schedulePass(ctx)
		}
	}
}

// StartDownload validates and enqueues a new pending item at the tail of the
// queue. Duplicate content is rejected: ErrAlreadyCompleted when a finished
// copy exists, ErrAlreadyQueued when a non-terminal copy exists. A failed
// copy does not block a fresh start.
func (m *Manager) StartDownload(ctx context.Context, req StartRequest) (transfer.DownloadItem, error) {
	if req.SourceURL == "" {
		return transfer.DownloadItem{}, fmt.Errorf("source url is required")
	}

	if req.ContentID == "" || req.EpisodeOrChapter == "" {
		return transfer.DownloadItem{}, fmt.Errorf("content id and episode are required")
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if req.Variant == "" {
		req.Variant = transfer.VariantPrimary
	}

	key := transfer.ContentKey{
		ContentID:        req.ContentID,
		EpisodeOrChapter: req.EpisodeOrChapter,
		Variant:          req.Variant,
	}

	m.mu.Lock()

	if _, exists := m.store.Get(req.ID); exists {
		m.mu.Unlock()

		return transfer.DownloadItem{}, fmt.Errorf("id %q: %w", req.ID, ErrAlreadyQueued)
	}

	for _, existing := range m.store.List() {
		if existing.Key() != key {
			continue
		}

		if existing.Status == transfer.StatusCompleted {
			m.mu.Unlock()

			return transfer.DownloadItem{}, fmt.Errorf("%q: %w", existing.Title, ErrAlreadyCompleted)
		}

		if !existing.Status.Terminal() {
			m.mu.Unlock()

			return transfer.DownloadItem{}, fmt.Errorf("%q: %w", existing.Title, ErrAlreadyQueued)
		}
	}

	item := transfer.DownloadItem{
		ID:               req.ID,
		ContentID:        req.ContentID,
		EpisodeOrChapter: req.EpisodeOrChapter,
		Variant:          req.Variant,
		Title:            req.Title,
		SourceURL:        req.SourceURL,
		ThumbnailURL:     req.ThumbnailURL,
		Status:           transfer.StatusPending,
		DateAdded:        time.Now().UnixMilli(),
	}

	m.store.Put(ctx, item)
	m.mu.Unlock()

	m.kickScheduler()

	return item, nil
}

// Pause suspends an in-progress download. The slot is released synchronously;
// the resume token arrives once the transfer finishes unwinding.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()

	item, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()

		return ErrNotFound
	}

	if item.Status != transfer.StatusDownloading {
		m.mu.Unlock()

		return fmt.Errorf("%q is %s: %w", item.Title, item.Status, ErrNotDownloading)
	}

	cancel, running := m.active[id]
	delete(m.active, id)

	// The record flips before the cancellation lands, so no late progress
	// callback can observe a downloading status.
	m.rec.Apply(ctx, id, Event{Kind: EventPauseRequested}, false)
	m.mu.Unlock()

	if running {
		cancel(transfer.ErrPauseRequested)
	}

	m.kickScheduler()

	return nil
}

// Resume re-enqueues a paused item. It does not jump the queue: admission
// happens on the next scheduling pass, in DateAdded order.
func (m *Manager) Resume(ctx context.Context, id string) error {
	item, ok := m.store.Get(id)
	if !ok {
		return ErrNotFound
	}

	if item.Status != transfer.StatusPaused {
		return fmt.Errorf("%q is %s: %w", item.Title, item.Status, ErrNotPaused)
	}

	m.rec.Apply(ctx, id, Event{Kind: EventResumeRequested}, false)
	m.kickScheduler()

	return nil
}

// Restart re-enqueues a failed item from scratch: the partial file is
// deleted, progress and token are reset, and the item joins the tail of the
// queue as new.
func (m *Manager) Restart(ctx context.Context, id string) error {
	item, ok := m.store.Get(id)
	if !ok {
		return ErrNotFound
	}

	if item.Status != transfer.StatusFailed {
		return fmt.Errorf("%q is %s: %w", item.Title, item.Status, ErrNotFailed)
	}

	if item.LocalFilePath != "" {
		if err := os.Remove(item.LocalFilePath); err != nil && !os.IsNotExist(err) {
			return &transfer.StorageError{Path: item.LocalFilePath, Op: "remove", Err: err}
		}
	}

	m.mu.Lock()
	delete(m.restarts, id)
	delete(m.lastNotified, id)
	m.mu.Unlock()

	m.rec.Apply(ctx, id, Event{Kind: EventReset}, false)
	m.kickScheduler()

	return nil
}

// Remove cancels the item if active and deletes its record and local file.
// Bytes already handed to the gallery stay there; the media library owns
// them once registered.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()

	item, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()

		return ErrNotFound
	}

	cancel, running := m.active[id]
	delete(m.active, id)
	delete(m.restarts, id)
	delete(m.lastNotified, id)
	m.mu.Unlock()

	if running {
		// The engine deletes the partial file on cancellation.
		cancel(transfer.ErrCanceled)
	} else if item.LocalFilePath != "" {
		if err := os.Remove(item.LocalFilePath); err != nil && !os.IsNotExist(err) {
			return &transfer.StorageError{Path: item.LocalFilePath, Op: "remove", Err: err}
		}
	}

	m.store.Remove(ctx, id)
	m.kickScheduler()

	return nil
}

// Get returns one item.
func (m *Manager) Get(id string) (transfer.DownloadItem, bool) {
	return m.store.Get(id)
}

// List returns all items in DateAdded order.
func (m *Manager) List() []transfer.DownloadItem {
	return m.store.List()
}

// Active returns the items currently pending, downloading, or paused.
func (m *Manager) Active() []transfer.DownloadItem {
	all := m.store.List()
	active := make([]transfer.DownloadItem, 0, len(all))

	for _, item := range all {
		if item.Status.Active() {
			active = append(active, item)
		}
	}

	return active
}

// TotalStorageUsed sums the bytes held by completed cache-resident items.
func (m *Manager) TotalStorageUsed() int64 {
	return m.store.TotalStorageUsed()
}

// schedulePass admits pending items in DateAdded order until every slot is
// taken. One pass is cheap; it runs only when kicked.
func (m *Manager) schedulePass(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting := 0

	for _, item := range m.store.List() {
		if item.Status != transfer.StatusPending {
			continue
		}

		if _, running := m.active[item.ID]; running {
			continue
		}

		if len(m.active) >= m.maxConcurrent {
			waiting++

			continue
		}

		m.admitLocked(ctx, item)
	}

	m.tel.RecordQueueDepth(int64(waiting))
}

// admitLocked promotes one pending item into a transfer slot. Caller holds
// m.mu.
func (m *Manager) admitLocked(ctx context.Context, item transfer.DownloadItem) {
	logger := logctx.LoggerFromContext(ctx).With("id", item.ID, "title", item.Title)

	var token *transfer.ResumeToken

	if item.ResumeToken != "" {
		decoded, err := transfer.DecodeResumeToken(item.ResumeToken)
		if err != nil {
			logger.WarnContext(ctx, "discarding unusable resume token", "err", err)
		} else {
			token = decoded
		}
	}

	dest := item.LocalFilePath
	if dest == "" {
		dest = m.destPath(item)
	}

	admitted, ok := m.rec.Apply(ctx, item.ID, Event{Kind: EventAdmit, Path: dest}, true)
	if !ok {
		return
	}

	base := m.runCtx
	if base == nil {
		base = context.Background()
	}

	tctx, cancel := context.WithCancelCause(logctx.WithLogger(base, logger))
	m.active[item.ID] = cancel

	logger.InfoContext(ctx, "transfer admitted", "resuming", token != nil)

	go m.runTransfer(tctx, cancel, admitted, token)
}

// runTransfer owns one slot for the lifetime of one engine call.
func (m *Manager) runTransfer(ctx context.Context, cancel context.CancelCauseFunc, item transfer.DownloadItem, token *transfer.ResumeToken) {
	defer cancel(nil)

	start := time.Now()

	m.tel.IncrementActiveDownloads()
	defer m.tel.DecrementActiveDownloads()

	res, err := m.engine.Fetch(ctx, downloader.Request{
		URL:      item.SourceURL,
		DestPath: item.LocalFilePath,
		Token:    token,
		OnProgress: func(written, total int64) {
			m.onProgress(ctx, item.ID, written, total)
		},
	})

	m.mu.Lock()
	delete(m.active, item.ID)
	m.mu.Unlock()

	m.settle(ctx, item, res, err, time.Since(start))
	m.kickScheduler()
}

// settle folds the outcome of one transfer back into the record.
func (m *Manager) settle(ctx context.Context, item transfer.DownloadItem, res *downloader.Result, err error, elapsed time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if err == nil {
		completed, applied := m.rec.Apply(ctx, item.ID, Event{
			Kind:      EventCompleted,
			SizeBytes: res.SizeBytes,
			Path:      res.Path,
		}, false)
		if !applied {
			return
		}

		m.mu.Lock()
		delete(m.restarts, item.ID)
		delete(m.lastNotified, item.ID)
		m.mu.Unlock()

		m.tel.RecordDownload("completed", res.SizeBytes, elapsed)
		m.notify(ctx, "complete", completed)
		m.relocate(ctx, completed)

		return
	}

	switch transfer.Classify(err) {
	case transfer.ClassPaused:
		var paused *transfer.PausedError
		if errors.As(err, &paused) && paused.Token != nil {
			encoded, encodeErr := paused.Token.Encode()
			if encodeErr != nil {
				// The item stays paused without a token; resuming it
				// restarts from zero instead of carrying a bad token.
				logger.WarnContext(ctx, "failed to encode resume token",
					"id", item.ID, "err", encodeErr)
			} else {
				m.rec.Apply(ctx, item.ID, Event{
					Kind:  EventPauseSettled,
					Token: encoded,
				}, false)
			}
		}

		m.tel.RecordDownload("paused", 0, elapsed)
		logger.InfoContext(ctx, "transfer paused", "id", item.ID)

	case transfer.ClassCanceled:
		m.tel.RecordDownload("canceled", 0, elapsed)
		logger.InfoContext(ctx, "transfer canceled", "id", item.ID)

	case transfer.ClassRecoverable:
		if item.LocalFilePath != "" {
			_ = os.Remove(item.LocalFilePath)
		}

		m.mu.Lock()
		m.restarts[item.ID]++
		attempts := m.restarts[item.ID]
		m.mu.Unlock()

		if attempts > m.maxRestarts {
			logger.WarnContext(ctx, "restart budget exhausted",
				"id", item.ID, "attempts", attempts, "err", err)
			m.fail(ctx, item, elapsed)

			return
		}

		logger.WarnContext(ctx, "recoverable failure, re-enqueueing from scratch",
			"id", item.ID, "attempt", attempts, "err", err)

		m.rec.Apply(ctx, item.ID, Event{Kind: EventReset}, false)
		m.tel.RecordDownload("restarted", 0, elapsed)

	default:
		logger.ErrorContext(ctx, "transfer failed", "id", item.ID, "err", err)
		m.fail(ctx, item, elapsed)
	}
}

func (m *Manager) fail(ctx context.Context, item transfer.DownloadItem, elapsed time.Duration) {
	failed, applied := m.rec.Apply(ctx, item.ID, Event{Kind: EventFailed}, false)
	if !applied {
		return
	}

	m.tel.RecordDownload("failed", 0, elapsed)
	m.notify(ctx, "failed", failed)
}

// relocate hands a completed file to the gallery sink. Failure is never
// fatal: the item stays completed and cache-resident.
func (m *Manager) relocate(ctx context.Context, item transfer.DownloadItem) {
	if m.sink == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx).With("id", item.ID, "title", item.Title)

	asset, err := m.sink.Relocate(ctx, item.LocalFilePath)
	if err != nil {
		logger.WarnContext(ctx, "gallery relocation failed, keeping cache copy", "err", err)

		return
	}

	m.rec.Apply(ctx, item.ID, Event{Kind: EventGalleryPlaced}, false)
	logger.InfoContext(ctx, "placed in gallery", "asset_uri", asset.URI)
}

// onProgress runs on the engine's callback goroutine.
func (m *Manager) onProgress(ctx context.Context, id string, written, total int64) {
	m.mu.Lock()
	_, hasHandle := m.active[id]
	m.mu.Unlock()

	item, applied := m.rec.Apply(ctx, id, Event{
		Kind:    EventProgress,
		Written: written,
		Total:   total,
	}, hasHandle)
	if !applied {
		return
	}

	m.maybeNotifyProgress(ctx, item)
}

// maybeNotifyProgress coarsens per-item progress notifications to notifyStep
// increments.
func (m *Manager) maybeNotifyProgress(ctx context.Context, item transfer.DownloadItem) {
	m.mu.Lock()

	last := m.lastNotified[item.ID]
	if item.Progress < 1 && item.Progress-last < m.notifyStep {
		m.mu.Unlock()

		return
	}

	m.lastNotified[item.ID] = item.Progress
	m.mu.Unlock()

	m.notify(ctx, "progress", item)
}

func (m *Manager) notify(ctx context.Context, kind string, item transfer.DownloadItem) {
	if m.notif == nil {
		return
	}

	var err error

	switch kind {
	case "progress":
		err = m.notif.Progress(item)
	case "complete":
		err = m.notif.Complete(item)
	case "failed":
		err = m.notif.Failed(item)
	}

	status := "ok"
	if err != nil {
		status = "error"

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "notification delivery failed",
			"kind", kind, "id", item.ID, "err", err)
	}

	m.tel.RecordNotification(kind, status)
}

// dropGhostHandles removes handles whose record disappeared or went terminal
// behind the scheduler's back. Returns the number of handles dropped.
func (m *Manager) dropGhostHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0

	for id, cancel := range m.active {
		item, ok := m.store.Get(id)
		if ok && !item.Status.Terminal() {
			continue
		}

		delete(m.active, id)
		dropped++

		if !ok {
			cancel(transfer.ErrCanceled)
		} else {
			// The record is terminal; unwind without touching its file.
			cancel(transfer.ErrPauseRequested)
		}
	}

	return dropped
}

func (m *Manager) kickScheduler() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// destPath allocates a destination file for an item inside the download
// directory, keyed by id so retries and duplicates never collide.
func (m *Manager) destPath(item transfer.DownloadItem) string {
	ext := ".bin"

	if u, err := url.Parse(item.SourceURL); err == nil {
		if e := path.Ext(u.Path); e != "" && len(e) <= 8 {
			ext = e
		}
	}

	return filepath.Join(m.downloadDir, item.ID+ext)
}
