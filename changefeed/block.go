package changefeed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/shogotsuneto/go-resumable"
)

// EncodeBlock encodes records as one block: a compact JSON array terminated by a newline.
// Appending the result to a chunk makes all records visible at once.
func EncodeBlock(records ...json.RawMessage) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("a block must hold at least one record")
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block: %w", err)
	}
	return append(data, '\n'), nil
}

// NewBlobChunkOpener returns a ChunkOpener that decodes newline-delimited blocks from blobs.
func NewBlobChunkOpener(blobs resumable.BlobReader) resumable.ChunkOpener {
	return &blobChunkOpener{blobs: blobs}
}

type blobChunkOpener struct {
	blobs resumable.BlobReader
}

func (o *blobChunkOpener) OpenChunk(ctx context.Context, path string, blockOffset int64, eventIndex int) (resumable.ChunkReader, error) {
	if blockOffset < 0 || eventIndex < 0 {
		return nil, fmt.Errorf("invalid position %d/%d in chunk '%s'", blockOffset, eventIndex, path)
	}
	rc, err := o.blobs.ReadFrom(ctx, path, blockOffset)
	if err != nil {
		return nil, err
	}
	return &blockReader{
		path:       path,
		rc:         rc,
		r:          bufio.NewReader(rc),
		nextOffset: blockOffset,
		skip:       eventIndex,
	}, nil
}

// blockReader yields records block by block.
// A trailing line without a newline is an append still in progress and ends the chunk.
type blockReader struct {
	path       string
	rc         io.ReadCloser
	r          *bufio.Reader
	offset     int64 // start of the current block
	nextOffset int64 // start of the block after it
	records    []json.RawMessage
	index      int
	skip       int
	eof        bool
}

func (b *blockReader) Next(ctx context.Context) (resumable.Record, error) {
	for b.index >= len(b.records) {
		if b.eof {
			return resumable.Record{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return resumable.Record{}, err
		}
		if err := b.readBlock(); err != nil {
			return resumable.Record{}, err
		}
	}

	rec := resumable.Record{
		Data:      b.records[b.index],
		ChunkPath: b.path,
	}
	b.index++
	if b.index < len(b.records) {
		rec.BlockOffset = b.offset
		rec.EventIndex = b.index
	} else {
		rec.BlockOffset = b.nextOffset
	}
	return rec, nil
}

func (b *blockReader) readBlock() error {
	line, err := b.r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.eof = true
			return io.EOF
		}
		return fmt.Errorf("failed to read chunk '%s' at offset %d: %w", b.path, b.nextOffset, err)
	}

	b.offset = b.nextOffset
	b.nextOffset += int64(len(line))
	b.records = nil
	b.index = 0

	body := bytes.TrimSpace(line)
	if len(body) == 0 {
		return nil
	}
	// records handed out earlier alias the previous slice, so decode into a fresh one
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return fmt.Errorf("corrupt block at offset %d in chunk '%s': %w", b.offset, b.path, err)
	}
	b.records = records

	if b.skip > 0 {
		if b.skip > len(b.records) {
			return fmt.Errorf("event index %d out of range for block at offset %d in chunk '%s'", b.skip, b.offset, b.path)
		}
		b.index = b.skip
		b.skip = 0
	}
	return nil
}

func (b *blockReader) Close() error {
	return b.rc.Close()
}
