package changefeed

import (
	"context"

	"github.com/shogotsuneto/go-resumable"
)

// Chunk is one open chunk of a shard together with its read position.
type Chunk struct {
	path        string
	reader      resumable.ChunkReader
	blockOffset int64
	eventIndex  int
}

// NewChunk wraps a reader that was opened at blockOffset and eventIndex.
func NewChunk(path string, reader resumable.ChunkReader, blockOffset int64, eventIndex int) *Chunk {
	return &Chunk{path: path, reader: reader, blockOffset: blockOffset, eventIndex: eventIndex}
}

func (c *Chunk) Path() string {
	return c.path
}

// BlockOffset is the offset of the block holding the next unread record.
func (c *Chunk) BlockOffset() int64 {
	return c.blockOffset
}

// EventIndex is the number of records of the current block already read.
func (c *Chunk) EventIndex() int {
	return c.eventIndex
}

// Next returns the next record. The position only moves when a record is returned.
func (c *Chunk) Next(ctx context.Context) (resumable.Record, error) {
	rec, err := c.reader.Next(ctx)
	if err != nil {
		return resumable.Record{}, err
	}
	c.blockOffset = rec.BlockOffset
	c.eventIndex = rec.EventIndex
	return rec, nil
}

func (c *Chunk) Close() error {
	return c.reader.Close()
}
