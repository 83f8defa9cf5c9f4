package changefeed

import (
	"context"
	"errors"
	"iter"
	"path"
	"slices"
	"strings"

	"github.com/dapr/kit/logger"
	"golang.org/x/sync/errgroup"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/metrics"
)

// WalkerOptions configures a Walker.
type WalkerOptions struct {
	// OpenConcurrency > 1 opens all shards up front, at most this many at a time
	OpenConcurrency int
	Logger          logger.Logger
	Metrics         *metrics.Collector
}

// Walker reads shards one after another in the order given and tracks a single cursor.
type Walker struct {
	factory *ShardFactory
	paths   []string
	shards  []*Shard
	idx     int
	cursor  resumable.Cursor
	logger  logger.Logger
	metrics *metrics.Collector
}

// NewWalker creates a walker over shardPaths starting at cursor. A nil cursor starts at the beginning.
// Shards before the cursor's shard are skipped. A cursor naming a shard not in shardPaths returns
// *resumable.ShardNotFoundError.
func NewWalker(ctx context.Context, factory *ShardFactory, shardPaths []string, cursor *resumable.Cursor, opts *WalkerOptions) (*Walker, error) {
	w := &Walker{factory: factory, logger: log}
	concurrency := 1
	if opts != nil {
		if opts.Logger != nil {
			w.logger = opts.Logger
		}
		w.metrics = opts.Metrics
		if opts.OpenConcurrency > 1 {
			concurrency = opts.OpenConcurrency
		}
	}

	start := 0
	if cursor != nil && cursor.ShardPath != "" {
		start = slices.Index(shardPaths, cursor.ShardPath)
		if start < 0 {
			return nil, &resumable.ShardNotFoundError{ShardPath: cursor.ShardPath}
		}
		w.cursor = *cursor
	}
	w.paths = slices.Clone(shardPaths[start:])
	w.shards = make([]*Shard, len(w.paths))
	if len(w.paths) == 0 {
		return w, nil
	}

	if concurrency == 1 || len(w.paths) == 1 {
		s, err := factory.Open(ctx, w.paths[0], cursor)
		if err != nil {
			return nil, err
		}
		w.shards[0] = s
		return w, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, p := range w.paths {
		var c *resumable.Cursor
		if i == 0 {
			c = cursor
		}
		g.Go(func() error {
			s, err := factory.Open(gctx, p, c)
			if err != nil {
				return err
			}
			w.shards[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.Close()
		return nil, err
	}
	w.logger.Debugf("Opened %d shards with concurrency %d", len(w.paths), concurrency)
	return w, nil
}

// Cursor returns the position after the last record returned by Next, or the starting cursor.
func (w *Walker) Cursor() resumable.Cursor {
	return w.cursor
}

// Next returns the next record across all shards, or resumable.ErrDone when all shards are exhausted.
func (w *Walker) Next(ctx context.Context) (resumable.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return resumable.Record{}, err
		}
		if w.idx >= len(w.paths) {
			return resumable.Record{}, resumable.ErrDone
		}

		s := w.shards[w.idx]
		if s == nil {
			var err error
			s, err = w.factory.Open(ctx, w.paths[w.idx], nil)
			if err != nil {
				return resumable.Record{}, err
			}
			w.shards[w.idx] = s
		}

		rec, err := s.Next(ctx)
		if err == nil {
			w.cursor = s.Cursor()
			w.metrics.RecordYielded(s.Path())
			return rec, nil
		}
		if !errors.Is(err, resumable.ErrDone) {
			return resumable.Record{}, err
		}

		if err := s.Close(); err != nil {
			w.logger.Warnf("Failed to close shard %s: %v", s.Path(), err)
		}
		w.logger.Debugf("Shard %s exhausted", s.Path())
		w.idx++
	}
}

// All iterates over the remaining records. Iteration stops after the first error.
func (w *Walker) All(ctx context.Context) iter.Seq2[resumable.Record, error] {
	return func(yield func(resumable.Record, error) bool) {
		for {
			rec, err := w.Next(ctx)
			if errors.Is(err, resumable.ErrDone) {
				return
			}
			if err != nil {
				yield(resumable.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Close closes every opened shard.
func (w *Walker) Close() error {
	var errs []error
	for _, s := range w.shards {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	w.idx = len(w.paths)
	return errors.Join(errs...)
}

// DiscoverShards returns the distinct directories holding entries under prefix, in sorted order.
// Each directory is returned with a trailing slash so it can be passed to ShardFactory.Open.
func DiscoverShards(ctx context.Context, lister resumable.Lister, prefix string) ([]string, error) {
	entries, err := lister.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	shards := []string{}
	for _, e := range entries {
		if !strings.Contains(e, "/") {
			continue
		}
		dir := path.Dir(e) + "/"
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		shards = append(shards, dir)
	}
	slices.Sort(shards)
	return shards, nil
}
