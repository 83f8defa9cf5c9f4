package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dapr/kit/logger"
	"github.com/spf13/pflag"

	"github.com/shogotsuneto/go-resumable/config"
)

type options struct {
	Config          config.Config
	Follow          time.Duration
	CheckpointEvery int
	MaxRecords      int
	Reset           bool
	Logger          logger.Options
}

// parseOptions layers command line flags over the RESUMABLE_* environment.
func parseOptions(args []string, stderr io.Writer) (*options, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	opts := options{Config: cfg}

	fs := pflag.NewFlagSet("feedwalk", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = true

	fs.StringVar(&opts.Config.Feed.Prefix, "prefix", cfg.Feed.Prefix, "Listing prefix under which shard directories are discovered")
	fs.IntVar(&opts.Config.Feed.OpenConcurrency, "open-concurrency", cfg.Feed.OpenConcurrency, "Open up to this many shards concurrently before walking")
	fs.StringVar(&opts.Config.Feed.CheckpointKey, "checkpoint-key", cfg.Feed.CheckpointKey, "Key the cursor is saved under")
	fs.StringVar(&opts.Config.Checkpoint.Backend, "checkpoint-backend", cfg.Checkpoint.Backend, "Checkpoint backend: memory, postgres or redis")
	fs.StringVar(&opts.Config.Postgres.ConnectionString, "postgres-conn", cfg.Postgres.ConnectionString, "PostgreSQL connection string")
	fs.StringVar(&opts.Config.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address")
	fs.StringVar(&opts.Config.Minio.Endpoint, "endpoint", cfg.Minio.Endpoint, "MinIO/S3 endpoint")
	fs.StringVar(&opts.Config.Minio.Bucket, "bucket", cfg.Minio.Bucket, "Bucket holding the change feed")
	fs.StringVar(&opts.Config.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address, e.g. :9090")
	fs.DurationVar(&opts.Follow, "follow", 0, "Keep walking new records, checking for more at this interval; 0 exits when caught up")
	fs.IntVar(&opts.CheckpointEvery, "checkpoint-every", 100, "Save the cursor after this many records")
	fs.IntVar(&opts.MaxRecords, "max-records", 0, "Stop after this many records; 0 means no limit")
	fs.BoolVar(&opts.Reset, "reset", false, "Delete the saved cursor and start from the beginning")

	opts.Logger = logger.DefaultOptions()
	opts.Logger.AttachCmdFlags(fs.StringVar, fs.BoolVar)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Config.Minio.Bucket == "" {
		return nil, fmt.Errorf("--bucket or RESUMABLE_MINIO_BUCKET is required")
	}
	if opts.CheckpointEvery < 1 {
		return nil, fmt.Errorf("--checkpoint-every must be at least 1")
	}
	return &opts, nil
}
