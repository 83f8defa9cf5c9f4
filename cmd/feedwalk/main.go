// Command feedwalk prints the records of a change feed stored in a MinIO/S3 bucket as JSON lines and
// checkpoints its cursor so the next run continues where this one stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dapr/kit/logger"
	"github.com/dapr/kit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/changefeed"
	"github.com/shogotsuneto/go-resumable/config"
	"github.com/shogotsuneto/go-resumable/memory"
	"github.com/shogotsuneto/go-resumable/metrics"
	"github.com/shogotsuneto/go-resumable/minio"
	"github.com/shogotsuneto/go-resumable/postgres"
	"github.com/shogotsuneto/go-resumable/redis"
)

var log = logger.NewLogger("resumable.feedwalk")

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.ApplyOptionsToLoggers(&opts.Logger); err != nil {
		log.Fatal(err)
	}

	ctx := signals.Context()
	if err := run(ctx, opts, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if opts.Config.MetricsAddr != "" {
		go serveMetrics(opts.Config.MetricsAddr, reg)
	}

	container, err := minio.NewContainer(opts.Config.MinioConfig())
	if err != nil {
		return err
	}

	store, closeStore, err := openCheckpointStore(ctx, opts.Config)
	if err != nil {
		return err
	}
	defer closeStore()

	key := opts.Config.Feed.CheckpointKey
	if opts.Reset {
		log.Infof("Resetting cursor %s", key)
		if err := store.Delete(ctx, key); err != nil {
			return err
		}
	}

	w := &feedWalker{
		lister:  container,
		factory: changefeed.NewShardFactory(container, changefeed.NewBlobChunkOpener(container), &changefeed.Options{Metrics: collector}),
		store:   store,
		opts:    opts,
		metrics: collector,
		out:     out,
	}
	return w.run(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server stopped: %v", err)
	}
}

func openCheckpointStore(ctx context.Context, cfg config.Config) (resumable.CheckpointStore, func(), error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewCheckpointStore(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case config.BackendRedis:
		store, err := redis.NewCheckpointStore(ctx, cfg.RedisConfig())
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		log.Warn("Using the in-memory checkpoint store; the cursor is lost on exit")
		return memory.NewCheckpointStore(), func() {}, nil
	}
}

// feedWalker runs walk passes over the feed until it is caught up, or forever when following.
type feedWalker struct {
	lister  resumable.Lister
	factory *changefeed.ShardFactory
	store   resumable.CheckpointStore
	opts    *options
	metrics *metrics.Collector
	out     io.Writer
	total   int
}

func (w *feedWalker) run(ctx context.Context) error {
	for {
		if err := w.pass(ctx); err != nil {
			return err
		}
		if w.opts.Follow <= 0 || w.limitReached() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.Follow):
		}
	}
}

func (w *feedWalker) limitReached() bool {
	return w.opts.MaxRecords > 0 && w.total >= w.opts.MaxRecords
}

// pass walks from the saved cursor to the current end of the feed.
func (w *feedWalker) pass(ctx context.Context) error {
	key := w.opts.Config.Feed.CheckpointKey
	cursor, err := resumable.LoadCursor(ctx, w.store, key)
	if err != nil {
		return err
	}
	shards, err := changefeed.DiscoverShards(ctx, w.lister, w.opts.Config.Feed.Prefix)
	if err != nil {
		return err
	}

	walkerOpts := w.opts.Config.WalkerOptions()
	walkerOpts.Metrics = w.metrics
	walker, err := changefeed.NewWalker(ctx, w.factory, shards, cursor, walkerOpts)
	if err != nil {
		return err
	}
	defer walker.Close()

	unsaved := 0
	for rec, err := range walker.All(ctx) {
		if err != nil {
			// keep what was read so far
			if saveErr := w.save(key, walker.Cursor(), unsaved); saveErr != nil {
				log.Errorf("Failed to save cursor: %v", saveErr)
			}
			return err
		}
		if _, err := fmt.Fprintf(w.out, "%s\n", rec.Data); err != nil {
			return err
		}
		w.total++
		unsaved++
		if unsaved >= w.opts.CheckpointEvery {
			if err := resumable.SaveCursor(ctx, w.store, key, walker.Cursor()); err != nil {
				return err
			}
			unsaved = 0
		}
		if w.limitReached() {
			break
		}
	}
	if err := w.save(key, walker.Cursor(), unsaved); err != nil {
		return err
	}
	log.Debugf("Pass over %d shards done, %d records so far", len(shards), w.total)
	return nil
}

// save persists the cursor when records were read since the last save. It ignores ctx cancellation so
// progress survives shutdown.
func (w *feedWalker) save(key string, cursor resumable.Cursor, unsaved int) error {
	if unsaved == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return resumable.SaveCursor(ctx, w.store, key, cursor)
}
