package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
)

// Store holds the editable copy of every package, addressed by root IRI.
type Store interface {
	// List returns every resource path of the package in lexicographic order.
	List(ctx context.Context, rootIRI string) ([]Path, error)
	// Read returns MissingContent when the resource does not exist.
	Read(ctx context.Context, rootIRI string, p Path) (Content, error)
	Write(ctx context.Context, rootIRI string, p Path, data []byte) error
	// Delete removes a resource. Deleting a missing resource is not an error.
	Delete(ctx context.Context, rootIRI string, p Path) error
}

// FSStore keeps each package in its own directory of an afero filesystem.
type FSStore struct {
	fs afero.Fs
}

var _ Store = (*FSStore)(nil)

func NewFSStore(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs}
}

// NewOSStore stores packages below dir on the local disk.
func NewOSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create resource directory: %w", err)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func packageDir(rootIRI string) string {
	return "/" + url.PathEscape(rootIRI)
}

func (s *FSStore) file(rootIRI string, p Path) string {
	return filepath.Join(packageDir(rootIRI), filepath.FromSlash(string(p)))
}

func (s *FSStore) List(ctx context.Context, rootIRI string) ([]Path, error) {
	root := packageDir(rootIRI)

	exists, err := afero.DirExists(s.fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat package %s: %w", rootIRI, err)
	}
	if !exists {
		return nil, nil
	}

	var paths []Path
	err = afero.Walk(s.fs, root, func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, name)
		if err != nil {
			return err
		}
		p, err := ParsePath(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list package %s: %w", rootIRI, err)
	}

	slices.Sort(paths)
	return paths, nil
}

func (s *FSStore) Read(ctx context.Context, rootIRI string, p Path) (Content, error) {
	data, err := afero.ReadFile(s.fs, s.file(rootIRI, p))
	if errors.Is(err, fs.ErrNotExist) {
		return MissingContent(p), nil
	} else if err != nil {
		return Content{}, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return NewContent(p, data), nil
}

func (s *FSStore) Write(ctx context.Context, rootIRI string, p Path, data []byte) error {
	name := s.file(rootIRI, p)
	if err := s.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	if err := afero.WriteFile(s.fs, name, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, rootIRI string, p Path) error {
	err := s.fs.Remove(s.file(rootIRI, p))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}
