package resumable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Cursor is a resumable position within a sharded, chunked stream.
// Re-walking from a Cursor yields exactly the next unconsumed record.
type Cursor struct {
	// ShardPath identifies the partition of the stream
	ShardPath string `json:"shardPath"`
	// ChunkPath identifies the chunk being read; empty if no chunk has been opened
	ChunkPath string `json:"chunkPath"`
	// BlockOffset is the byte offset of the block holding the next record
	BlockOffset int64 `json:"blockOffset"`
	// EventIndex is the number of records of that block already consumed
	EventIndex int `json:"eventIndex"`
}

// MarshalCursor encodes a cursor as its flat JSON record.
func MarshalCursor(c Cursor) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCursor decodes a cursor previously produced by MarshalCursor.
func UnmarshalCursor(data []byte) (Cursor, error) {
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	if c.BlockOffset < 0 || c.EventIndex < 0 {
		return Cursor{}, fmt.Errorf("invalid cursor position %d/%d", c.BlockOffset, c.EventIndex)
	}
	return c, nil
}

// Record is one entry read from a chunk.
// The position fields identify the position immediately after this record.
type Record struct {
	Data        json.RawMessage
	ChunkPath   string
	BlockOffset int64
	EventIndex  int
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// Lister lists the identifiers stored under a prefix, in lexicographic order.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// BlobReader opens a blob for reading starting at a byte offset.
// Reads observe data appended after earlier reads.
type BlobReader interface {
	ReadFrom(ctx context.Context, path string, offset int64) (io.ReadCloser, error)
}

// ChunkReader is a lazy sequence of records from one chunk.
type ChunkReader interface {
	// Next returns the next record, or io.EOF when the chunk holds no more complete records.
	Next(ctx context.Context) (Record, error)
	Close() error
}

// ChunkOpener opens a chunk positioned at a block offset and event index.
type ChunkOpener interface {
	OpenChunk(ctx context.Context, path string, blockOffset int64, eventIndex int) (ChunkReader, error)
}

// CheckpointStore persists opaque checkpoints (cursors, resume tokens) by key.
type CheckpointStore interface {
	// Save stores data under key, replacing any previous value.
	Save(ctx context.Context, key string, data []byte) error
	// Load returns the data stored under key, or ErrCheckpointNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes the checkpoint. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SaveCursor persists a cursor under key.
func SaveCursor(ctx context.Context, store CheckpointStore, key string, c Cursor) error {
	data, err := MarshalCursor(c)
	if err != nil {
		return err
	}
	return store.Save(ctx, key, data)
}

// LoadCursor returns the cursor stored under key, or nil if none has been saved.
func LoadCursor(ctx context.Context, store CheckpointStore, key string) (*Cursor, error) {
	data, err := store.Load(ctx, key)
	if errors.Is(err, ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := UnmarshalCursor(data)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
