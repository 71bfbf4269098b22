package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"golang.org/x/xerrors"
)

var (
	ErrNotFound = errors.New("object not found")
	// ErrForeignURL is returned by Get for URLs that the backend did not issue.
	ErrForeignURL = errors.New("url does not belong to this storage")
)

type Storage interface {
	// Put stores data with the given key and returns the storage URL
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves data from the given storage URL
	Get(ctx context.Context, url string) ([]byte, error)
}

type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
)

type Config struct {
	Kind Kind
	File FileConfig
	S3   S3Config
}

func New(ctx context.Context, c Config) (Storage, error) {
	switch c.Kind {
	case KindFile, "":
		return NewFileStorage(ctx, c.File)
	case KindS3:
		return NewS3Storage(ctx, c.S3)
	default:
		return nil, xerrors.Errorf("unknown storage kind: %s", c.Kind)
	}
}

// DiffKey names the mask for a baseline/target pair, grouping repeated
// comparisons of the same pair under one prefix. Keys sort by time and carry
// nanoseconds so that comparisons within one second do not collide.
func DiffKey(baseline string, target string, now time.Time) string {
	h := sha256.Sum256([]byte(baseline + "\x00" + target))
	return fmt.Sprintf("diff/%x/%s%09d.png", h[:8], now.Format("20060102150405"), now.Nanosecond())
}
