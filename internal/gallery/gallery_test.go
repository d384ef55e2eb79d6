package gallery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockLibrary struct {
	ensureAlbumErr error
	writeErr       map[string]error // keyed by path prefix match: "" applies to all
	written        []string
	albums         []string
}

func (m *mockLibrary) EnsureAlbum(ctx context.Context, name string) error {
	m.albums = append(m.albums, name)
	return m.ensureAlbumErr
}

func (m *mockLibrary) Write(ctx context.Context, filePath string) (*Asset, error) {
	m.written = append(m.written, filePath)

	for prefix, err := range m.writeErr {
		if prefix == "" || strings.HasPrefix(filePath, prefix) {
			if err != nil {
				return nil, err
			}
		}
	}

	return &Asset{ID: "asset-1", URI: "content://media/" + filepath.Base(filePath)}, nil
}

type mockPermissions struct {
	granted bool
	err     error
}

func (m *mockPermissions) RequestStorageAccess(ctx context.Context) (bool, error) {
	return m.granted, m.err
}

func writeCacheFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ep1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video bytes"), 0o644))

	return path
}

func TestRelocate_DirectWriteReclaimsCache(t *testing.T) {
	lib := &mockLibrary{}
	sink := NewSink(lib, &mockPermissions{granted: true}, "Kaizen", t.TempDir())
	cache := writeCacheFile(t)

	asset, err := sink.Relocate(context.Background(), cache)
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.Equal(t, []string{"Kaizen"}, lib.albums)
	require.Equal(t, []string{cache}, lib.written)

	_, statErr := os.Stat(cache)
	require.True(t, os.IsNotExist(statErr), "cache copy must be deleted after a gallery write")
}

func TestRelocate_FallsBackThroughStaging(t *testing.T) {
	cache := writeCacheFile(t)
	staging := t.TempDir()

	// Direct writes from the cache directory are rejected; staged writes
	// succeed.
	lib := &mockLibrary{writeErr: map[string]error{
		filepath.Dir(cache): errors.New("sandbox: cross-volume registration rejected"),
	}}

	sink := NewSink(lib, &mockPermissions{granted: true}, "Kaizen", staging)

	asset, err := sink.Relocate(context.Background(), cache)
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.Len(t, lib.written, 2, "a failed direct write must retry through staging")

	staged := filepath.Join(staging, filepath.Base(cache))
	require.Equal(t, staged, lib.written[1])

	_, statErr := os.Stat(staged)
	require.True(t, os.IsNotExist(statErr), "the staged copy must be deleted after registration")

	_, statErr = os.Stat(cache)
	require.True(t, os.IsNotExist(statErr), "cache copy must be deleted after a gallery write")
}

func TestRelocate_PermissionDenied(t *testing.T) {
	lib := &mockLibrary{}
	sink := NewSink(lib, &mockPermissions{granted: false}, "Kaizen", t.TempDir())
	cache := writeCacheFile(t)

	_, err := sink.Relocate(context.Background(), cache)

	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	require.Empty(t, lib.written)

	_, statErr := os.Stat(cache)
	require.NoError(t, statErr, "a denied relocation must leave the cache copy in place")
}

func TestRelocate_FailureLeavesCacheCopy(t *testing.T) {
	lib := &mockLibrary{writeErr: map[string]error{"": errors.New("gallery unavailable")}}
	sink := NewSink(lib, &mockPermissions{granted: true}, "Kaizen", t.TempDir())
	cache := writeCacheFile(t)

	_, err := sink.Relocate(context.Background(), cache)
	require.Error(t, err)

	_, statErr := os.Stat(cache)
	require.NoError(t, statErr, "a failed relocation must leave the cache copy in place")
}
