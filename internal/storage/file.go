package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

type fileStorage struct {
	config FileConfig
}

type FileConfig struct {
	Directory string
}

// NewFileStorage creates a storage backend rooted at a local directory
func NewFileStorage(ctx context.Context, f FileConfig) (Storage, error) {
	if f.Directory == "" {
		f.Directory = "."
	}

	return &fileStorage{
		config: f,
	}, nil
}

// Put writes through a temporary file so that readers never observe a partial image.
func (a *fileStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	if !filepath.IsLocal(key) {
		return "", xerrors.Errorf("key escapes storage directory: %s", key)
	}
	filePath := filepath.Join(a.config.Directory, key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", xerrors.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return "", xerrors.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", xerrors.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return "", xerrors.Errorf("failed to chmod file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", xerrors.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return "", xerrors.Errorf("failed to move file into place: %w", err)
	}

	return filePath, nil
}

func (a *fileStorage) Get(ctx context.Context, url string) ([]byte, error) {
	rel, err := filepath.Rel(a.config.Directory, url)
	if err != nil || !filepath.IsLocal(rel) {
		return nil, xerrors.Errorf("%s: %w", url, ErrForeignURL)
	}

	data, err := os.ReadFile(filepath.Join(a.config.Directory, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Errorf("%s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read file: %w", err)
	}

	return data, nil
}
