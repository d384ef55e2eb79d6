// Package rest exposes the download queue over HTTP for the app frontend.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/serene-brew/kaizen-app-sub000/internal/catalog"
	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
	"github.com/serene-brew/kaizen-app-sub000/internal/queue"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

// DownloadService is the queue surface the handler drives.
type DownloadService interface {
	StartDownload(ctx context.Context, req queue.StartRequest) (transfer.DownloadItem, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Get(id string) (transfer.DownloadItem, bool)
	List() []transfer.DownloadItem
	Active() []transfer.DownloadItem
	TotalStorageUsed() int64
}

// CatalogResolver resolves content into a byte-stream URL when the start
// request does not carry one.
type CatalogResolver interface {
	ResolveStreamURL(ctx context.Context, contentID string, variant transfer.Variant, episode string) (*catalog.StreamSource, error)
}

// DownloadsHandler serves the download queue API.
type DownloadsHandler struct {
	svc     DownloadService
	catalog CatalogResolver
}

// NewDownloadsHandler creates a new downloads handler. catalog may be nil,
// in which case every start request must carry its own source URL.
func NewDownloadsHandler(svc DownloadService, catalog CatalogResolver) *DownloadsHandler {
	return &DownloadsHandler{svc: svc, catalog: catalog}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/downloads", h.HandleStart)
	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/active", h.HandleActive)
	r.Get("/downloads/{id}", h.HandleGet)
	r.Post("/downloads/{id}/pause", h.HandlePause)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Post("/downloads/{id}/restart", h.HandleRestart)
	r.Delete("/downloads/{id}", h.HandleRemove)

	return r
}

type startDownloadRequest struct {
	ID               string           `json:"id"`
	ContentID        string           `json:"contentId"`
	EpisodeOrChapter string           `json:"episodeOrChapter"`
	Variant          transfer.Variant `json:"variant"`
	Title            string           `json:"title"`
	SourceURL        string           `json:"sourceUrl"`
	ThumbnailURL     string           `json:"thumbnailUrl"`
}

type listDownloadsResponse struct {
	Downloads             []transfer.DownloadItem `json:"downloads"`
	TotalStorageUsed      int64                   `json:"totalStorageUsed"`
	TotalStorageUsedHuman string                  `json:"totalStorageUsedHuman"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleStart enqueues a new download. When the request carries no source
// URL the content API resolves one.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "failed to decode request", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if req.ContentID == "" || req.EpisodeOrChapter == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "contentId and episodeOrChapter are required"})

		return
	}

	if req.SourceURL == "" {
		if h.catalog == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sourceUrl is required"})

			return
		}

		variant := req.Variant
		if variant == "" {
			variant = transfer.VariantPrimary
		}

		source, err := h.catalog.ResolveStreamURL(ctx, req.ContentID, variant, req.EpisodeOrChapter)
		if err != nil {
			logger.ErrorContext(ctx, "failed to resolve stream url", "content_id", req.ContentID, "err", err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to resolve stream url"})

			return
		}

		req.SourceURL = source.URL
	}

	item, err := h.svc.StartDownload(ctx, queue.StartRequest{
		ID:               req.ID,
		ContentID:        req.ContentID,
		EpisodeOrChapter: req.EpisodeOrChapter,
		Variant:          req.Variant,
		Title:            req.Title,
		SourceURL:        req.SourceURL,
		ThumbnailURL:     req.ThumbnailURL,
	})
	if err != nil {
		h.writeServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// HandleList returns every download with cache storage totals.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	used := h.svc.TotalStorageUsed()

	writeJSON(w, http.StatusOK, listDownloadsResponse{
		Downloads:             h.svc.List(),
		TotalStorageUsed:      used,
		TotalStorageUsedHuman: humanize.Bytes(uint64(used)),
	})
}

// HandleActive returns the pending, downloading, and paused items.
func (h *DownloadsHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Active())
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, ok := h.svc.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "download not found"})

		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Pause)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Resume)
}

func (h *DownloadsHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Restart)
}

func (h *DownloadsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.svc.Remove)
}

func (h *DownloadsHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps queue errors onto HTTP statuses. Conflicts carry
// the service message so the app can tell "already downloaded" apart from
// "already in the queue".
func (h *DownloadsHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, queue.ErrAlreadyCompleted),
		errors.Is(err, queue.ErrAlreadyQueued),
		errors.Is(err, queue.ErrNotDownloading),
		errors.Is(err, queue.ErrNotPaused),
		errors.Is(err, queue.ErrNotFailed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		logger.ErrorContext(r.Context(), "request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
