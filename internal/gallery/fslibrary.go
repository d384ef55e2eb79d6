package gallery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FSLibrary is a media library backed by a plain directory tree: one
// directory per album, one file per asset. It stands in for the device
// gallery when the daemon runs outside a mobile shell.
type FSLibrary struct {
	root string

	album string
}

// NewFSLibrary creates a filesystem-backed media library rooted at root.
func NewFSLibrary(root string) *FSLibrary {
	return &FSLibrary{root: root}
}

func (l *FSLibrary) EnsureAlbum(ctx context.Context, name string) error {
	if err := os.MkdirAll(filepath.Join(l.root, name), dirPerm); err != nil {
		return fmt.Errorf("failed to create album %q: %w", name, err)
	}

	l.album = name

	return nil
}

func (l *FSLibrary) Write(ctx context.Context, filePath string) (*Asset, error) {
	if l.album == "" {
		return nil, fmt.Errorf("no album selected")
	}

	id := uuid.NewString()
	dest := filepath.Join(l.root, l.album, id+filepath.Ext(filePath))

	if err := copyFile(filePath, dest); err != nil {
		return nil, fmt.Errorf("failed to write asset: %w", err)
	}

	return &Asset{ID: id, URI: "file://" + dest}, nil
}

// GrantedPermissions always allows storage access. The daemon owns its
// gallery directory, so there is no OS permission dialog to wait on.
type GrantedPermissions struct{}

func (GrantedPermissions) RequestStorageAccess(ctx context.Context) (bool, error) {
	return true, nil
}
