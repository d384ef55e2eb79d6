package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/serene-brew/kaizen-app-sub000/internal/catalog"
	"github.com/serene-brew/kaizen-app-sub000/internal/queue"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	items      map[string]transfer.DownloadItem
	startErr   error
	opErr      error
	lastStart  queue.StartRequest
	lastOp     string
	lastOpID   string
	storageUse int64
}

func newMockService() *mockService {
	return &mockService{items: map[string]transfer.DownloadItem{}}
}

func (m *mockService) StartDownload(ctx context.Context, req queue.StartRequest) (transfer.DownloadItem, error) {
	m.lastStart = req

	if m.startErr != nil {
		return transfer.DownloadItem{}, m.startErr
	}

	return transfer.DownloadItem{
		ID:        req.ID,
		ContentID: req.ContentID,
		SourceURL: req.SourceURL,
		Title:     req.Title,
		Status:    transfer.StatusPending,
	}, nil
}

func (m *mockService) op(name, id string) error {
	m.lastOp = name
	m.lastOpID = id

	return m.opErr
}

func (m *mockService) Pause(ctx context.Context, id string) error   { return m.op("pause", id) }
func (m *mockService) Resume(ctx context.Context, id string) error  { return m.op("resume", id) }
func (m *mockService) Restart(ctx context.Context, id string) error { return m.op("restart", id) }
func (m *mockService) Remove(ctx context.Context, id string) error  { return m.op("remove", id) }

func (m *mockService) Get(id string) (transfer.DownloadItem, bool) {
	item, ok := m.items[id]

	return item, ok
}

func (m *mockService) List() []transfer.DownloadItem {
	out := make([]transfer.DownloadItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}

	return out
}

func (m *mockService) Active() []transfer.DownloadItem {
	var out []transfer.DownloadItem
	for _, item := range m.items {
		if item.Status.Active() {
			out = append(out, item)
		}
	}

	return out
}

func (m *mockService) TotalStorageUsed() int64 { return m.storageUse }

type mockCatalog struct {
	source *catalog.StreamSource
	err    error
}

func (m *mockCatalog) ResolveStreamURL(ctx context.Context, contentID string, variant transfer.Variant, episode string) (*catalog.StreamSource, error) {
	return m.source, m.err
}

func doRequest(t *testing.T, h *DownloadsHandler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	return rec
}

func TestHandleStart(t *testing.T) {
	svc := newMockService()
	h := NewDownloadsHandler(svc, nil)

	rec := doRequest(t, h, http.MethodPost, "/downloads", startDownloadRequest{
		ID:               "dl-1",
		ContentID:        "show-1",
		EpisodeOrChapter: "3",
		Title:            "Episode 3",
		SourceURL:        "https://cdn.example.com/ep3.mp4",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "show-1", svc.lastStart.ContentID)

	var item transfer.DownloadItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	require.Equal(t, transfer.StatusPending, item.Status)
}

func TestHandleStart_Validation(t *testing.T) {
	h := NewDownloadsHandler(newMockService(), nil)

	rec := doRequest(t, h, http.MethodPost, "/downloads", startDownloadRequest{Title: "no identity"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No source URL and no catalog to resolve one.
	rec = doRequest(t, h, http.MethodPost, "/downloads", startDownloadRequest{
		ContentID:        "show-1",
		EpisodeOrChapter: "3",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStart_ResolvesSourceURL(t *testing.T) {
	svc := newMockService()
	h := NewDownloadsHandler(svc, &mockCatalog{
		source: &catalog.StreamSource{URL: "https://cdn.example.com/resolved.mp4"},
	})

	rec := doRequest(t, h, http.MethodPost, "/downloads", startDownloadRequest{
		ContentID:        "show-1",
		EpisodeOrChapter: "3",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "https://cdn.example.com/resolved.mp4", svc.lastStart.SourceURL)
}

func TestHandleStart_CatalogFailure(t *testing.T) {
	h := NewDownloadsHandler(newMockService(), &mockCatalog{
		err: &catalog.APIError{Operation: "resolve_stream", StatusCode: http.StatusNotFound},
	})

	rec := doRequest(t, h, http.MethodPost, "/downloads", startDownloadRequest{
		ContentID:        "show-1",
		EpisodeOrChapter: "3",
	})

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleStart_DuplicateConflicts(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "already completed", err: fmt.Errorf("%q: %w", "Episode 3", queue.ErrAlreadyCompleted), want: "already completed"},
		{name: "already queued", err: fmt.Errorf("%q: %w", "Episode 3", queue.ErrAlreadyQueued), want: "already queued"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.startErr = tt.err
			h := NewDownloadsHandler(svc, nil)

			rec := doRequest(t, h, http.MethodPost, "/downloads", startDownloadRequest{
				ContentID:        "show-1",
				EpisodeOrChapter: "3",
				SourceURL:        "https://cdn.example.com/ep3.mp4",
			})

			require.Equal(t, http.StatusConflict, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Contains(t, body.Error, tt.want, "the conflict reason must reach the app")
		})
	}
}

func TestHandleList(t *testing.T) {
	svc := newMockService()
	svc.storageUse = 2048
	svc.items["a"] = transfer.DownloadItem{ID: "a", Status: transfer.StatusCompleted, SizeBytes: 2048}

	h := NewDownloadsHandler(svc, nil)

	rec := doRequest(t, h, http.MethodGet, "/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body listDownloadsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Downloads, 1)
	require.Equal(t, int64(2048), body.TotalStorageUsed)
	require.NotEmpty(t, body.TotalStorageUsedHuman)
}

func TestHandleActive(t *testing.T) {
	svc := newMockService()
	svc.items["a"] = transfer.DownloadItem{ID: "a", Status: transfer.StatusDownloading}
	svc.items["b"] = transfer.DownloadItem{ID: "b", Status: transfer.StatusCompleted}

	h := NewDownloadsHandler(svc, nil)

	rec := doRequest(t, h, http.MethodGet, "/downloads/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body []transfer.DownloadItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	require.Equal(t, "a", body[0].ID)
}

func TestHandleGet(t *testing.T) {
	svc := newMockService()
	svc.items["a"] = transfer.DownloadItem{ID: "a", Status: transfer.StatusPaused}

	h := NewDownloadsHandler(svc, nil)

	rec := doRequest(t, h, http.MethodGet, "/downloads/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/downloads/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	tests := []struct {
		method string
		target string
		wantOp string
	}{
		{http.MethodPost, "/downloads/a/pause", "pause"},
		{http.MethodPost, "/downloads/a/resume", "resume"},
		{http.MethodPost, "/downloads/a/restart", "restart"},
		{http.MethodDelete, "/downloads/a", "remove"},
	}

	for _, tt := range tests {
		t.Run(tt.wantOp, func(t *testing.T) {
			svc := newMockService()
			h := NewDownloadsHandler(svc, nil)

			rec := doRequest(t, h, tt.method, tt.target, nil)
			require.Equal(t, http.StatusNoContent, rec.Code)
			require.Equal(t, tt.wantOp, svc.lastOp)
			require.Equal(t, "a", svc.lastOpID)
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "not found", err: queue.ErrNotFound, wantCode: http.StatusNotFound},
		{name: "not paused", err: queue.ErrNotPaused, wantCode: http.StatusConflict},
		{name: "internal", err: fmt.Errorf("disk exploded"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.opErr = tt.err
			h := NewDownloadsHandler(svc, nil)

			rec := doRequest(t, h, http.MethodPost, "/downloads/a/resume", nil)
			require.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
