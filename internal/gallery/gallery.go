// Package gallery moves completed downloads into the device media gallery
// and reclaims the local cache copy. Gallery placement is best-effort: a
// failure here never invalidates the download itself.
package gallery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
)

const dirPerm = 0o755

// Asset is a handle to a gallery entry.
type Asset struct {
	ID  string
	URI string
}

// MediaLibrary is the device media-gallery sink.
type MediaLibrary interface {
	EnsureAlbum(ctx context.Context, name string) error
	Write(ctx context.Context, filePath string) (*Asset, error)
}

// Permissions gates writes to publicly visible storage.
type Permissions interface {
	RequestStorageAccess(ctx context.Context) (bool, error)
}

// PermissionError means the user or OS denied storage access.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string { return "storage access denied" }

func (e *PermissionError) Unwrap() error { return e.Err }

// Sink relocates completed files into the gallery.
type Sink struct {
	lib        MediaLibrary
	perms      Permissions
	album      string
	stagingDir string
}

// NewSink creates a gallery sink. stagingDir is a publicly accessible
// directory used as a fallback when the library refuses a direct write from
// app-private cache storage.
func NewSink(lib MediaLibrary, perms Permissions, album, stagingDir string) *Sink {
	return &Sink{lib: lib, perms: perms, album: album, stagingDir: stagingDir}
}

// Relocate registers filePath with the gallery and, on success, deletes the
// cache copy. This is storage reclamation, not cleanup: skipping it would
// double-count the bytes. The caller flips the item to gallery residency.
func (s *Sink) Relocate(ctx context.Context, filePath string) (*Asset, error) {
	logger := logctx.LoggerFromContext(ctx).With("file", filePath)

	granted, err := s.perms.RequestStorageAccess(ctx)
	if err != nil {
		return nil, &PermissionError{Err: err}
	}

	if !granted {
		return nil, &PermissionError{}
	}

	if err := s.lib.EnsureAlbum(ctx, s.album); err != nil {
		return nil, fmt.Errorf("failed to ensure album: %w", err)
	}

	asset, err := s.lib.Write(ctx, filePath)
	if err != nil {
		// Newer OS storage sandboxes reject direct registration of
		// app-private files; stage a public copy and register that.
		logger.Warn("direct gallery write failed, staging a public copy", "err", err)

		asset, err = s.writeViaStaging(ctx, filePath)
		if err != nil {
			return nil, err
		}
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to reclaim cache copy after gallery write", "err", err)
	}

	return asset, nil
}

func (s *Sink) writeViaStaging(ctx context.Context, filePath string) (*Asset, error) {
	if err := os.MkdirAll(s.stagingDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	staged := filepath.Join(s.stagingDir, filepath.Base(filePath))

	if err := copyFile(filePath, staged); err != nil {
		return nil, fmt.Errorf("failed to stage file: %w", err)
	}

	defer os.Remove(staged)

	asset, err := s.lib.Write(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("failed to register staged file: %w", err)
	}

	return asset, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
