// Package changefeed walks sharded, chunked change logs and exposes a resumable cursor.
//
// A log is a set of shards. Each shard is a lexicographically ordered list of chunks and each chunk is an
// append-only blob of blocks. Walking yields every record exactly once in shard, chunk and block order,
// and the cursor after any record resumes exactly at the following one.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dapr/kit/logger"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/metrics"
)

var log = logger.NewLogger("resumable.changefeed")

// Options configures a ShardFactory.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Collector
}

// ShardFactory opens shards positioned at a cursor.
type ShardFactory struct {
	lister  resumable.Lister
	opener  resumable.ChunkOpener
	logger  logger.Logger
	metrics *metrics.Collector
}

// NewShardFactory creates a factory listing chunks with lister and reading them with opener. opts may be nil.
func NewShardFactory(lister resumable.Lister, opener resumable.ChunkOpener, opts *Options) *ShardFactory {
	f := &ShardFactory{lister: lister, opener: opener, logger: log}
	if opts != nil {
		if opts.Logger != nil {
			f.logger = opts.Logger
		}
		f.metrics = opts.Metrics
	}
	return f
}

// Open lists the chunks of shardPath and opens the one the cursor points at, or the first one.
// A cursor for another shard is ignored. A shard without chunks is valid and yields nothing.
// If the cursor's chunk is no longer listed, Open returns *resumable.ChunkNotFoundError.
func (f *ShardFactory) Open(ctx context.Context, shardPath string, cursor *resumable.Cursor) (*Shard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunks, err := f.lister.List(ctx, shardPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of shard '%s': %w", shardPath, err)
	}
	chunks = slices.Clone(chunks)
	slices.Sort(chunks)

	s := &Shard{
		path:    shardPath,
		factory: f,
		last:    resumable.Cursor{ShardPath: shardPath},
	}
	if len(chunks) == 0 {
		f.logger.Debugf("Shard %s has no chunks", shardPath)
		return s, nil
	}

	start := 0
	var blockOffset int64
	var eventIndex int
	if cursor != nil && cursor.ShardPath == shardPath && cursor.ChunkPath != "" {
		start = slices.Index(chunks, cursor.ChunkPath)
		if start < 0 {
			return nil, &resumable.ChunkNotFoundError{ShardPath: shardPath, ChunkPath: cursor.ChunkPath}
		}
		blockOffset, eventIndex = cursor.BlockOffset, cursor.EventIndex
	}

	chunk, err := f.openChunk(ctx, chunks[start], blockOffset, eventIndex)
	if err != nil {
		return nil, err
	}
	s.current = chunk
	s.pending = chunks[start+1:]
	return s, nil
}

func (f *ShardFactory) openChunk(ctx context.Context, path string, blockOffset int64, eventIndex int) (*Chunk, error) {
	reader, err := f.opener.OpenChunk(ctx, path, blockOffset, eventIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk '%s': %w", path, err)
	}
	f.metrics.ChunkOpened()
	f.logger.Debugf("Opened chunk %s at %d/%d", path, blockOffset, eventIndex)
	return NewChunk(path, reader, blockOffset, eventIndex), nil
}

// Shard yields the records of one shard in chunk order.
type Shard struct {
	path    string
	factory *ShardFactory
	current *Chunk
	pending []string
	last    resumable.Cursor
}

func (s *Shard) Path() string {
	return s.path
}

// HasCurrentChunk reports whether a chunk is open.
func (s *Shard) HasCurrentChunk() bool {
	return s.current != nil
}

// Pending returns the chunks not yet opened.
func (s *Shard) Pending() []string {
	return slices.Clone(s.pending)
}

// Cursor returns the position after the last record read from the shard.
func (s *Shard) Cursor() resumable.Cursor {
	if s.current == nil {
		return s.last
	}
	return resumable.Cursor{
		ShardPath:   s.path,
		ChunkPath:   s.current.Path(),
		BlockOffset: s.current.BlockOffset(),
		EventIndex:  s.current.EventIndex(),
	}
}

// Next returns the next record of the shard, moving on to pending chunks as chunks are exhausted.
// It returns resumable.ErrDone once every chunk has been read.
func (s *Shard) Next(ctx context.Context) (resumable.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return resumable.Record{}, err
		}

		if s.current == nil {
			if len(s.pending) == 0 {
				return resumable.Record{}, resumable.ErrDone
			}
			chunk, err := s.factory.openChunk(ctx, s.pending[0], 0, 0)
			if err != nil {
				return resumable.Record{}, err
			}
			s.current = chunk
			s.pending = s.pending[1:]
			continue
		}

		rec, err := s.current.Next(ctx)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, io.EOF) {
			return resumable.Record{}, err
		}

		s.last = s.Cursor()
		if err := s.current.Close(); err != nil {
			s.factory.logger.Warnf("Failed to close chunk %s: %v", s.current.Path(), err)
		}
		s.factory.logger.Debugf("Chunk %s exhausted", s.current.Path())
		s.current = nil
	}
}

// Close releases the open chunk, if any. A closed shard yields no more records.
func (s *Shard) Close() error {
	s.pending = nil
	if s.current == nil {
		return nil
	}
	s.last = s.Cursor()
	err := s.current.Close()
	s.current = nil
	return err
}
