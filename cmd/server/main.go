package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kalebavincent/dl-torrent/internal/api"
	"github.com/kalebavincent/dl-torrent/internal/backend"
	"github.com/kalebavincent/dl-torrent/internal/config"
	"github.com/kalebavincent/dl-torrent/internal/geo"
	"github.com/kalebavincent/dl-torrent/internal/model"
	"github.com/kalebavincent/dl-torrent/internal/postproc"
	"github.com/kalebavincent/dl-torrent/internal/retry"
	"github.com/kalebavincent/dl-torrent/internal/scheduler"
	"github.com/kalebavincent/dl-torrent/internal/storage"
	"github.com/kalebavincent/dl-torrent/internal/tracker"
)

func main() {
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := os.MkdirAll(cfg.Download.Dir, 0o755); err != nil {
		log.Fatalf("failed to create download directory: %v", err)
	}

	storage.CleanStaleParts(cfg.Download.Dir, cfg.Retention.Std(), logger)
	go func() {
		for {
			time.Sleep(time.Hour)
			storage.CleanStaleParts(cfg.Download.Dir, cfg.Retention.Std(), logger)
		}
	}()

	var resolver geo.Resolver
	if cfg.GeoIP.DatabasePath != "" {
		mm, err := geo.OpenMaxMind(cfg.GeoIP.DatabasePath)
		if err != nil {
			// Mirror ranking is best-effort; a missing database must
			// never keep jobs from running.
			logger.Printf("geoip disabled: %v", err)
		} else {
			defer mm.Close()
			resolver = mm
		}
	}
	selector := geo.NewSelector(resolver, logger)

	adapters := []backend.Adapter{
		backend.NewAria2Adapter(cfg.Aria2.Endpoint, cfg.Aria2.Secret),
		backend.NewQBittorrentAdapter(
			cfg.QBittorrent.Endpoint,
			cfg.QBittorrent.Username,
			cfg.QBittorrent.Password,
		),
	}

	progress := tracker.New()
	store := tracker.NewCheckpointStore(cfg.Checkpoint.Path)

	sched := scheduler.New(
		adapters,
		selector,
		postproc.NewFFmpeg(cfg.FFmpeg.Path),
		progress,
		store,
		scheduler.Options{
			DownloadDir: cfg.Download.Dir,
			PoolSizes: map[model.ResourceKind]int{
				model.KindHTTPFTP:    cfg.Pools.HTTPFTP,
				model.KindBitTorrent: cfg.Pools.BitTorrent,
			},
			PollInterval: cfg.Poll.Interval.Std(),
			RetryPolicy: retry.Policy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay.Std(),
				MaxDelay:    cfg.Retry.MaxDelay.Std(),
			},
			CheckpointInterval: cfg.Checkpoint.Interval.Std(),
			Retention:          cfg.Retention.Std(),
			MinFreeBytes:       cfg.Download.MinFreeBytes,
			GeoPolicy: geo.Policy{
				HomeLatitude:  cfg.GeoIP.HomeLatitude,
				HomeLongitude: cfg.GeoIP.HomeLongitude,
			},
			Trackers: cfg.QBittorrent.Trackers,
		},
		logger,
	)

	records, err := store.Load()
	if err != nil {
		logger.Printf("checkpoint load: %v", err)
	} else if len(records) > 0 {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sched.Restore(restoreCtx, records)
		cancel()
		logger.Printf("restored %d jobs from checkpoint", len(records))
	}

	sched.Start()

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	api.RegisterHandlers(r, sched)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Printf("shutting down")
		sched.Close()
		os.Exit(0)
	}()

	logger.Printf("Server starting on :%d...", cfg.Server.Port)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
