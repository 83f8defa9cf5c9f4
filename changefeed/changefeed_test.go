package changefeed_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/changefeed"
	"github.com/shogotsuneto/go-resumable/memory"
)

// appendBlock appends one block holding the given string values and returns the new chunk size.
func appendBlock(t *testing.T, c *memory.Container, path string, values ...string) int64 {
	t.Helper()
	records := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		records[i] = raw
	}
	block, err := changefeed.EncodeBlock(records...)
	require.NoError(t, err)
	size, err := c.Append(path, block, -1)
	require.NoError(t, err)
	return size
}

func newFactory(c *memory.Container) *changefeed.ShardFactory {
	return changefeed.NewShardFactory(c, changefeed.NewBlobChunkOpener(c), nil)
}

func decode(t *testing.T, rec resumable.Record) string {
	t.Helper()
	var s string
	require.NoError(t, rec.Decode(&s))
	return s
}

// drain reads n records, or all remaining when n < 0.
func drain(t *testing.T, w *changefeed.Walker, n int) []string {
	t.Helper()
	var out []string
	for n < 0 || len(out) < n {
		rec, err := w.Next(context.Background())
		if errors.Is(err, resumable.ErrDone) {
			break
		}
		require.NoError(t, err)
		out = append(out, decode(t, rec))
	}
	return out
}

// threeChunks builds one shard with chunks c0, c1 and c2 holding e1..e6.
func threeChunks(t *testing.T) *memory.Container {
	c := memory.NewContainer()
	appendBlock(t, c, "log/00/c0", "e1", "e2")
	appendBlock(t, c, "log/00/c0", "e3")
	appendBlock(t, c, "log/00/c1", "e4")
	appendBlock(t, c, "log/00/c2", "e5", "e6")
	return c
}

func TestEncodeBlock(t *testing.T) {
	block, err := changefeed.EncodeBlock(json.RawMessage(`{ "a" : 1 }`), json.RawMessage(`"b"`))
	require.NoError(t, err)
	assert.Equal(t, "[{\"a\":1},\"b\"]\n", string(block))

	_, err = changefeed.EncodeBlock()
	assert.Error(t, err)

	_, err = changefeed.EncodeBlock(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestBlobChunkOpener_Positions(t *testing.T) {
	c := memory.NewContainer()
	first := appendBlock(t, c, "chunk", "a", "b")
	second := appendBlock(t, c, "chunk", "c")
	opener := changefeed.NewBlobChunkOpener(c)

	r, err := opener.OpenChunk(context.Background(), "chunk", 0, 0)
	require.NoError(t, err)
	defer r.Close()

	want := []struct {
		value  string
		offset int64
		index  int
	}{
		{"a", 0, 1},
		{"b", first, 0},
		{"c", second, 0},
	}
	for _, w := range want {
		rec, err := r.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, w.value, decode(t, rec))
		assert.Equal(t, "chunk", rec.ChunkPath)
		assert.Equal(t, w.offset, rec.BlockOffset, "offset after %s", w.value)
		assert.Equal(t, w.index, rec.EventIndex, "index after %s", w.value)
	}
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	tests := []struct {
		name   string
		offset int64
		index  int
		want   []string
	}{
		{"mid block", 0, 1, []string{"b", "c"}},
		{"second block", first, 0, []string{"c"}},
		{"end of chunk", second, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := opener.OpenChunk(context.Background(), "chunk", tt.offset, tt.index)
			require.NoError(t, err)
			defer r.Close()
			var got []string
			for {
				rec, err := r.Next(context.Background())
				if err != nil {
					assert.ErrorIs(t, err, io.EOF)
					break
				}
				got = append(got, decode(t, rec))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBlobChunkOpener_Errors(t *testing.T) {
	c := memory.NewContainer()
	appendBlock(t, c, "chunk", "a")
	c.Append("corrupt", []byte("{not an array}\n"), -1)
	opener := changefeed.NewBlobChunkOpener(c)

	_, err := opener.OpenChunk(context.Background(), "missing", 0, 0)
	assert.ErrorIs(t, err, resumable.ErrBlobNotFound)

	_, err = opener.OpenChunk(context.Background(), "chunk", -1, 0)
	assert.Error(t, err)

	r, err := opener.OpenChunk(context.Background(), "chunk", 0, 5)
	require.NoError(t, err)
	_, err = r.Next(context.Background())
	assert.Error(t, err)

	r, err = opener.OpenChunk(context.Background(), "corrupt", 0, 0)
	require.NoError(t, err)
	_, err = r.Next(context.Background())
	assert.ErrorContains(t, err, "corrupt block")
}

func TestShardFactory_EmptyShard(t *testing.T) {
	c := memory.NewContainer()
	appendBlock(t, c, "log/01/c0", "x")

	s, err := newFactory(c).Open(context.Background(), "log/00/", nil)
	require.NoError(t, err)
	assert.False(t, s.HasCurrentChunk())
	assert.Empty(t, s.Pending())
	assert.Equal(t, resumable.Cursor{ShardPath: "log/00/"}, s.Cursor())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, resumable.ErrDone)
}

func TestShardFactory_OpenAtCursor(t *testing.T) {
	c := threeChunks(t)
	f := newFactory(c)

	s, err := f.Open(context.Background(), "log/00/", nil)
	require.NoError(t, err)
	assert.True(t, s.HasCurrentChunk())
	assert.Equal(t, []string{"log/00/c1", "log/00/c2"}, s.Pending())
	assert.Equal(t, resumable.Cursor{ShardPath: "log/00/", ChunkPath: "log/00/c0"}, s.Cursor())

	s, err = f.Open(context.Background(), "log/00/", &resumable.Cursor{ShardPath: "log/00/", ChunkPath: "log/00/c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"log/00/c2"}, s.Pending())
	assert.Equal(t, "log/00/c1", s.Cursor().ChunkPath)

	// a cursor for another shard does not position this one
	s, err = f.Open(context.Background(), "log/00/", &resumable.Cursor{ShardPath: "log/99/", ChunkPath: "log/99/c7"})
	require.NoError(t, err)
	assert.Equal(t, "log/00/c0", s.Cursor().ChunkPath)
}

func TestShardFactory_ChunkNotFound(t *testing.T) {
	c := threeChunks(t)
	f := newFactory(c)

	w, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, nil, nil)
	require.NoError(t, err)
	drain(t, w, 3)
	cursor := w.Cursor()
	require.Equal(t, "log/00/c0", cursor.ChunkPath)

	c.Delete("log/00/c0")

	_, err = changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, &cursor, nil)
	var notFound *resumable.ChunkNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "log/00/", notFound.ShardPath)
	assert.Equal(t, "log/00/c0", notFound.ChunkPath)
}

func TestWalker_ResumeFromEndOfChunk(t *testing.T) {
	c := threeChunks(t)
	f := newFactory(c)

	w, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, drain(t, w, 3))

	cursor := w.Cursor()
	size, err := c.Stat("log/00/c0")
	require.NoError(t, err)
	assert.Equal(t, resumable.Cursor{ShardPath: "log/00/", ChunkPath: "log/00/c0", BlockOffset: size.Size}, cursor)
	require.NoError(t, w.Close())

	resumed, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, &cursor, nil)
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, []string{"e4", "e5", "e6"}, drain(t, resumed, -1))
}

func TestWalker_ResumeFromEveryPosition(t *testing.T) {
	c := threeChunks(t)
	appendBlock(t, c, "log/01/c0", "f1", "f2", "f3")
	appendBlock(t, c, "log/03/c0", "g1")
	shards := []string{"log/00/", "log/01/", "log/02/", "log/03/"}
	f := newFactory(c)
	all := []string{"e1", "e2", "e3", "e4", "e5", "e6", "f1", "f2", "f3", "g1"}

	for k := 0; k <= len(all); k++ {
		t.Run(fmt.Sprintf("after %d", k), func(t *testing.T) {
			w, err := changefeed.NewWalker(context.Background(), f, shards, nil, nil)
			require.NoError(t, err)
			head := drain(t, w, k)
			cursor := w.Cursor()
			w.Close()

			data, err := resumable.MarshalCursor(cursor)
			require.NoError(t, err)
			restored, err := resumable.UnmarshalCursor(data)
			require.NoError(t, err)

			resumed, err := changefeed.NewWalker(context.Background(), f, shards, &restored, nil)
			require.NoError(t, err)
			defer resumed.Close()
			tail := drain(t, resumed, -1)

			assert.Equal(t, all, append(head, tail...))
		})
	}
}

func TestWalker_PartialBlockNotConsumed(t *testing.T) {
	c := memory.NewContainer()
	appendBlock(t, c, "log/00/c0", "e1")
	c.Append("log/00/c0", []byte(`["e2"`), -1)
	f := newFactory(c)

	w, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, drain(t, w, -1))
	cursor := w.Cursor()

	c.Append("log/00/c0", []byte(",\"e3\"]\n"), -1)

	resumed, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, &cursor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e3"}, drain(t, resumed, -1))
}

func TestWalker_GrowingChunk(t *testing.T) {
	c := memory.NewContainer()
	appendBlock(t, c, "log/00/c0", "e1", "e2")
	f := newFactory(c)

	w, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, drain(t, w, -1))
	cursor := w.Cursor()

	appendBlock(t, c, "log/00/c0", "e3")
	appendBlock(t, c, "log/00/c1", "e4")

	resumed, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/"}, &cursor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e4"}, drain(t, resumed, -1))
}

func TestWalker_ShardOrderAndCursorShard(t *testing.T) {
	c := memory.NewContainer()
	appendBlock(t, c, "log/00/c0", "a1")
	appendBlock(t, c, "log/01/c0", "b1", "b2")
	appendBlock(t, c, "log/02/c0", "c1")
	f := newFactory(c)
	shards := []string{"log/00/", "log/01/", "log/02/"}

	w, err := changefeed.NewWalker(context.Background(), f, shards, &resumable.Cursor{ShardPath: "log/01/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "c1"}, drain(t, w, -1))

	_, err = changefeed.NewWalker(context.Background(), f, shards, &resumable.Cursor{ShardPath: "log/07/"}, nil)
	var notFound *resumable.ShardNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "log/07/", notFound.ShardPath)
}

func TestWalker_ConcurrentOpen(t *testing.T) {
	c := memory.NewContainer()
	var want []string
	var shards []string
	for i := 0; i < 8; i++ {
		shard := fmt.Sprintf("log/%02d/", i)
		shards = append(shards, shard)
		for j := 0; j < 3; j++ {
			v := fmt.Sprintf("s%d-r%d", i, j)
			appendBlock(t, c, shard+"c0", v)
			want = append(want, v)
		}
	}
	f := newFactory(c)

	start := &resumable.Cursor{ShardPath: "log/00/"}
	w, err := changefeed.NewWalker(context.Background(), f, shards, start, &changefeed.WalkerOptions{OpenConcurrency: 3})
	require.NoError(t, err)
	defer w.Close()

	var got []string
	for rec, err := range w.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, decode(t, rec))
	}
	assert.Equal(t, want, got)
}

func TestWalker_ConcurrentOpenFailure(t *testing.T) {
	c := threeChunks(t)
	f := newFactory(c)

	cursor := &resumable.Cursor{ShardPath: "log/00/", ChunkPath: "log/00/gone"}
	_, err := changefeed.NewWalker(context.Background(), f, []string{"log/00/", "log/01/"}, cursor, &changefeed.WalkerOptions{OpenConcurrency: 2})
	var notFound *resumable.ChunkNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestWalker_ContextCancelled(t *testing.T) {
	c := threeChunks(t)
	w, err := changefeed.NewWalker(context.Background(), newFactory(c), []string{"log/00/"}, nil, nil)
	require.NoError(t, err)
	drain(t, w, 1)
	before := w.Cursor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, w.Cursor())

	assert.Equal(t, []string{"e2", "e3", "e4", "e5", "e6"}, drain(t, w, -1))
}

func TestWalker_AllStopsEarly(t *testing.T) {
	c := threeChunks(t)
	w, err := changefeed.NewWalker(context.Background(), newFactory(c), []string{"log/00/"}, nil, nil)
	require.NoError(t, err)

	count := 0
	for _, err := range w.All(context.Background()) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, []string{"e3", "e4", "e5", "e6"}, drain(t, w, -1))
}

func TestWalker_NoShards(t *testing.T) {
	w, err := changefeed.NewWalker(context.Background(), newFactory(memory.NewContainer()), nil, nil, nil)
	require.NoError(t, err)
	_, err = w.Next(context.Background())
	assert.ErrorIs(t, err, resumable.ErrDone)
	assert.Equal(t, resumable.Cursor{}, w.Cursor())
}

func TestDiscoverShards(t *testing.T) {
	c := memory.NewContainer()
	for _, p := range []string{"log/01/c0", "log/00/c1", "log/00/c0", "log/02/sub/c0", "other/00/c0"} {
		c.Append(p, []byte("x"), -1)
	}

	got, err := changefeed.DiscoverShards(context.Background(), c, "log/")
	require.NoError(t, err)
	assert.Equal(t, []string{"log/00/", "log/01/", "log/02/sub/"}, got)

	got, err = changefeed.DiscoverShards(context.Background(), c, "none/")
	require.NoError(t, err)
	assert.Empty(t, got)
}
