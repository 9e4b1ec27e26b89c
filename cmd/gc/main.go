package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/internal/metadata"
	"github.com/aerugo/aerugo/internal/registry"
	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/config"
)

func main() {
	var (
		dryRun  = flag.Bool("dry-run", false, "Count candidates without deleting anything")
		grace   = flag.Duration("grace", 0, "Override the configured grace period")
		timeout = flag.Duration("timeout", 30*time.Minute, "Abort the run after this long")
	)
	flag.Parse()

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	db, err := common.NewDatabase(&cfg.Database, &cfg.Registry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer cache.Close()

	blobStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	registryService := registry.NewService(
		metadata.NewStore(db),
		cache,
		registry.NewRedisLocker(cache),
		blobStorage,
		&cfg.Registry,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := registryService.RunGC(ctx, registry.GCOptions{
		DryRun:      *dryRun,
		GracePeriod: *grace,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("garbage collection failed")
	}

	log.Info().
		Bool("dry_run", *dryRun).
		Int("manifests_marked", result.ManifestsMarked).
		Int("blobs_marked", result.BlobsMarked).
		Int("manifests_deleted", result.ManifestsDeleted).
		Int("blobs_deleted", result.BlobsDeleted).
		Int("uploads_deleted", result.UploadsDeleted).
		Msg("garbage collection finished")
}
