// Package downloader implements the resumable byte-transfer engine. It
// streams a single URL to a local file, reports throttled progress, and
// converts interruptions into the error taxonomy the scheduler acts on.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/serene-brew/kaizen-app-sub000/internal/downloader/progress"
	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Engine performs resumable HTTP byte-range transfers.
type Engine struct {
	client           *http.Client
	progressInterval time.Duration
}

// NewEngine creates a transfer engine. progressInterval throttles the
// OnProgress callback; zero disables throttling.
func NewEngine(client *http.Client, progressInterval time.Duration) *Engine {
	if client == nil {
		client = http.DefaultClient
	}

	return &Engine{client: client, progressInterval: progressInterval}
}

// Request describes a single transfer.
type Request struct {
	URL      string
	DestPath string

	// Token, when present, is a previously captured resume token. An
	// unusable token is not an error: the engine restarts from zero.
	Token *transfer.ResumeToken

	// OnProgress receives cumulative byte counts, throttled by the engine.
	OnProgress func(written, total int64)
}

// Result is a completed transfer. SizeBytes comes from re-statting the
// destination file, never from accumulated progress counters.
type Result struct {
	Path      string
	SizeBytes int64
}

// Fetch streams req.URL into req.DestPath. On pause (context canceled with
// cause transfer.ErrPauseRequested) it returns a *transfer.PausedError
// carrying a fresh resume token. On cancellation it removes the partial file
// and returns transfer.ErrCanceled. All other failures classify per
// transfer.Classify.
func (e *Engine) Fetch(ctx context.Context, req Request) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", req.URL, "dest", req.DestPath)

	offset, etag, lastModified := e.resumeState(ctx, req)

	if err := os.MkdirAll(filepath.Dir(req.DestPath), dirPerm); err != nil {
		return nil, &transfer.StorageError{Path: req.DestPath, Op: "mkdir", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch", Err: err}
	}

	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		// If-Range downgrades a changed resource to a full 200 response
		// instead of splicing mismatched bytes.
		if etag != "" {
			httpReq.Header.Set("If-Range", etag)
		} else if lastModified != "" {
			httpReq.Header.Set("If-Range", lastModified)
		}
	}

	meta := sourceMeta{total: tokenTotal(req), etag: etag, lastModified: lastModified}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if interrupted := e.interruption(ctx, req, meta); interrupted != nil {
			return nil, interrupted
		}
		return nil, &transfer.NetworkError{Operation: "fetch", Resuming: offset > 0, Err: err}
	}
	defer resp.Body.Close()

	meta.etag = resp.Header.Get("ETag")
	meta.lastModified = resp.Header.Get("Last-Modified")

	var total int64

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total = contentRangeTotal(resp.Header.Get("Content-Range"))
		if total == 0 && resp.ContentLength > 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		// Server ignored or rejected the range; restart from zero.
		offset = 0
		total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		// Partial file no longer lines up with the source. Drop it and
		// run a clean transfer.
		logger.Warn("resume range rejected, restarting from scratch")

		if err := os.Remove(req.DestPath); err != nil && !os.IsNotExist(err) {
			return nil, &transfer.StorageError{Path: req.DestPath, Op: "remove", Err: err}
		}

		clean := req
		clean.Token = nil

		return e.Fetch(ctx, clean)
	default:
		return nil, &transfer.NetworkError{
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			Resuming:   offset > 0,
		}
	}

	meta.total = total

	out, err := e.openDestination(req.DestPath, offset)
	if err != nil {
		return nil, err
	}

	logger.Info("transfer started",
		"resume_offset", offset,
		"total", humanize.Bytes(uint64(max(total, 0))),
	)

	pr := progress.NewReader(resp.Body, offset, total, e.progressInterval, req.OnProgress)

	_, copyErr := io.Copy(out, pr)

	if closeErr := out.Close(); copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		if interrupted := e.interruption(ctx, req, meta); interrupted != nil {
			return nil, interrupted
		}

		var pathErr *fs.PathError
		if errors.As(copyErr, &pathErr) {
			return nil, &transfer.StorageError{Path: req.DestPath, Op: "append", Err: copyErr}
		}

		return nil, &transfer.NetworkError{Operation: "fetch", Resuming: offset > 0, Err: copyErr}
	}

	info, err := os.Stat(req.DestPath)
	if err != nil {
		return nil, &transfer.StorageError{Path: req.DestPath, Op: "stat", Err: err}
	}

	// Trust the filesystem, not the counters. A short body without a read
	// error still shows up here as a size mismatch.
	if total > 0 && info.Size() != total {
		return nil, &transfer.NetworkError{
			Operation: "verify",
			Resuming:  offset > 0,
			Err:       fmt.Errorf("size mismatch: got %d bytes, want %d", info.Size(), total),
		}
	}

	logger.Info("transfer finished", "size", humanize.Bytes(uint64(info.Size())))

	return &Result{Path: req.DestPath, SizeBytes: info.Size()}, nil
}

// sourceMeta carries what the engine learned about the remote resource, for
// embedding into resume tokens.
type sourceMeta struct {
	total        int64
	etag         string
	lastModified string
}

// interruption converts a canceled context into the pause/cancel outcomes.
// It returns nil when the context is still live.
func (e *Engine) interruption(ctx context.Context, req Request, meta sourceMeta) error {
	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, transfer.ErrPauseRequested):
		info, err := os.Stat(req.DestPath)
		if err != nil {
			// Paused before any byte hit disk; the resume starts clean.
			return &transfer.PausedError{}
		}

		token := transfer.NewResumeToken(
			req.URL, req.DestPath,
			info.Size(), meta.total,
			meta.etag, meta.lastModified,
			time.Now().UnixMilli(),
		)

		return &transfer.PausedError{Token: token}

	case errors.Is(cause, transfer.ErrCanceled), errors.Is(cause, context.Canceled):
		_ = os.Remove(req.DestPath)

		return transfer.ErrCanceled
	}

	return nil
}

// resumeState validates the resume token against the partial file before any
// network work. Any mismatch silently downgrades to a from-scratch transfer;
// a stale token is never a hard failure.
func (e *Engine) resumeState(ctx context.Context, req Request) (offset int64, etag, lastModified string) {
	t := req.Token
	if t == nil {
		return 0, "", ""
	}

	logger := logctx.LoggerFromContext(ctx)

	if t.URL != req.URL || t.Path != req.DestPath {
		logger.Warn("resume token does not match transfer, restarting", "token_url", t.URL)

		return 0, "", ""
	}

	info, err := os.Stat(req.DestPath)
	if err != nil {
		logger.Warn("partial file missing, restarting", "dest", req.DestPath)

		return 0, "", ""
	}

	if info.Size() < t.Offset {
		// The file shrank under us; its contents can't be trusted.
		return 0, "", ""
	}

	if info.Size() > t.Offset {
		// Bytes past the token offset were never acknowledged; cut them off.
		if err := os.Truncate(req.DestPath, t.Offset); err != nil {
			return 0, "", ""
		}
	}

	return t.Offset, t.ETag, t.LastModified
}

func (e *Engine) openDestination(path string, offset int64) (*os.File, error) {
	if offset > 0 {
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, filePerm)
		if err != nil {
			return nil, &transfer.StorageError{Path: path, Op: "append", Err: err}
		}

		return out, nil
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, &transfer.StorageError{Path: path, Op: "create", Err: err}
	}

	return out, nil
}

// contentRangeTotal extracts the total size from a "bytes start-end/total"
// Content-Range header. Returns 0 when the total is absent or unparsable.
func contentRangeTotal(header string) int64 {
	_, totalPart, ok := strings.Cut(header, "/")
	if !ok || totalPart == "*" {
		return 0
	}

	total, err := strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64)
	if err != nil {
		return 0
	}

	return total
}

func tokenTotal(req Request) int64 {
	if req.Token != nil {
		return req.Token.TotalBytes
	}
	return 0
}

