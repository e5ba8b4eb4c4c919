// Package blob stores uploaded document files.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("blob: not found")
	ErrTooLarge   = errors.New("blob: file too large")
	ErrInvalidKey = errors.New("blob: invalid key")
)

// Object describes a stored file.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is implemented by DiskStore and S3Store.
type Store interface {
	// Put writes r under key and returns the number of bytes stored. A body
	// over the store's size limit fails with ErrTooLarge and leaves nothing
	// behind.
	Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Object, error)
}

// NewKey returns a fresh key that keeps filename's extension.
func NewKey(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return uuid.NewString() + ext
}

// IsKey reports whether key has the shape NewKey produces. Stores can be
// shared with other writers, so only such keys are ever treated as ours.
func IsKey(key string) bool {
	if len(key) < 36 {
		return false
	}
	id, ext := key[:36], key[36:]
	if _, err := uuid.Parse(id); err != nil || id != strings.ToLower(id) {
		return false
	}
	if ext == "" {
		return true
	}
	return len(ext) <= 8 && ext[0] == '.' && ext == strings.ToLower(ext) &&
		!strings.ContainsAny(ext[1:], `./\`)
}

// keys are flat names; anything that could escape the store's root is refused
func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
