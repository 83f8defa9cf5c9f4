// Package memory provides in-memory implementations of the storage contracts,
// suitable for testing and demonstration purposes.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shogotsuneto/go-resumable"
)

// SizeMismatchError is returned when an append's expected size does not match the blob.
type SizeMismatchError struct {
	Path         string
	ExpectedSize int64
	ActualSize   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for blob '%s': expected %d, actual %d", e.Path, e.ExpectedSize, e.ActualSize)
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Path         string
	Size         int64
	ETag         string
	LastModified time.Time
}

type blob struct {
	data     []byte
	etag     string
	modified time.Time
}

// Container is an in-memory store of append-only blobs.
// It implements resumable.Lister and resumable.BlobReader.
type Container struct {
	mu    sync.RWMutex
	blobs map[string]*blob
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{blobs: make(map[string]*blob)}
}

// Append adds data to the end of the blob at path, creating the blob if needed, and returns the new size.
// expectedSize -1 skips the concurrency check; any other value must equal the current size.
func (c *Container) Append(path string, data []byte, expectedSize int64) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("blob path must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.blobs[path]
	var current int64
	if b != nil {
		current = int64(len(b.data))
	}
	if expectedSize != -1 && expectedSize != current {
		return current, &SizeMismatchError{
			Path:         path,
			ExpectedSize: expectedSize,
			ActualSize:   current,
		}
	}

	if b == nil {
		b = &blob{}
		c.blobs[path] = b
	}
	b.data = append(b.data, data...)
	b.etag = uuid.NewString()
	b.modified = time.Now()

	return int64(len(b.data)), nil
}

// Delete removes the blob at path. Deleting a missing blob is not an error.
func (c *Container) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blobs, path)
}

// Stat returns the properties of the blob at path.
func (c *Container) Stat(path string) (BlobInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.blobs[path]
	if !ok {
		return BlobInfo{}, fmt.Errorf("%w: %s", resumable.ErrBlobNotFound, path)
	}
	return BlobInfo{Path: path, Size: int64(len(b.data)), ETag: b.etag, LastModified: b.modified}, nil
}

// List returns the paths starting with prefix in lexicographic order.
func (c *Container) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := []string{}
	for p := range c.blobs {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// ReadFrom returns the blob contents from offset to the current end.
// The returned reader is a snapshot; data appended later is seen by the next call.
func (c *Container) ReadFrom(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", resumable.ErrBlobNotFound, path)
	}
	if offset < 0 || offset > int64(len(b.data)) {
		return nil, fmt.Errorf("offset %d out of range for blob '%s' of size %d", offset, path, len(b.data))
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(b.data[offset:]))), nil
}
