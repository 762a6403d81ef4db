// Command reelsmithd is the reelsmith daemon: it loads the Config
// Store, provisions ffmpeg, wires every internal component with
// explicit dependency injection, and serves the Job/Transfer/Cache/
// Preset APIs over HTTP until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/halvorsen/reelsmith/internal/cache"
	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/encoder"
	"github.com/halvorsen/reelsmith/internal/events"
	"github.com/halvorsen/reelsmith/internal/httpapi"
	"github.com/halvorsen/reelsmith/internal/ledger"
	"github.com/halvorsen/reelsmith/internal/logging"
	"github.com/halvorsen/reelsmith/internal/metrics"
	"github.com/halvorsen/reelsmith/internal/preset"
	"github.com/halvorsen/reelsmith/internal/queue"
	"github.com/halvorsen/reelsmith/internal/store"
	"github.com/halvorsen/reelsmith/internal/transfer"
)

func main() {
	configPath := flag.String("config", "/etc/reelsmith/config.json", "path to the pipeline configuration overlay")
	dbPath := flag.String("db", "/var/lib/reelsmith/jobs.db", "path to the job store database")
	ffmpegURL := flag.String("ffmpeg-url", "", "URL of a static ffmpeg .tar.xz build to provision if missing")
	flag.Parse()

	cfgStore, err := config.Open(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgStore.Snapshot()

	log, err := logging.New(logging.Config{
		Level:      cfg.Advanced.LogLevel,
		Dir:        cfg.Logging.Dir,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if result := config.Validate(cfg); !result.Valid {
		for _, e := range result.Errors {
			log.Warn("configuration problem", zap.String("detail", e))
		}
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		log.Fatal("create job store directory", zap.Error(err))
	}
	jobStore, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal("open job store", zap.Error(err))
	}
	defer jobStore.Close()

	facade := buildFacade(cfg)
	if err := facade.Connect(context.Background()); err != nil {
		log.Fatal("connect remote", zap.Error(err))
	}
	led := ledger.New(facade)
	folderCache := cache.New(facade)

	diskPresets, err := preset.NewDiskCache(filepath.Join(filepath.Dir(*dbPath), "presets"))
	if err != nil {
		log.Fatal("open preset disk cache", zap.Error(err))
	}
	presetMgr := preset.New(facade, diskPresets)

	facade.OnWriteDowngrade(func(writable bool) {
		if !cfg.Advanced.RememberWebDAVDowngradePersist {
			return
		}
		patch := cfgStore.Snapshot()
		patch.TransferMethod = "sftp"
		if _, err := cfgStore.Update(patch); err != nil {
			log.Error("persist webdav downgrade", zap.Error(err))
		}
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	bus := events.New(log.Logger)
	bus.Subscribe(events.TopicJobCompleted, func(ev events.Event) {
		log.Info("job completed", zap.Int64("job_id", ev.JobID))
	})
	bus.Subscribe(events.TopicJobFailed, func(ev events.Event) {
		log.Warn("job failed", zap.Int64("job_id", ev.JobID))
	})

	var ffmpegPath string
	var ffmpegOnce sync.Once
	ffmpegPathFunc := func() string {
		ffmpegOnce.Do(func() {
			installDir := filepath.Join(filepath.Dir(*dbPath), "ffmpeg")
			path, err := encoder.EnsureFFmpeg(log.Logger, installDir, *ffmpegURL, cfg.FFmpeg.GPUEnabled)
			if err != nil {
				log.Error("ensure ffmpeg", zap.Error(err))
				path = filepath.Join(installDir, "ffmpeg")
			}
			ffmpegPath = path
		})
		return ffmpegPath
	}

	orchestrator := queue.New(cfgStore, jobStore, facade, led, folderCache, bus, m, log.Logger, ffmpegPathFunc)

	ctx, cancel := context.WithCancel(context.Background())
	if err := orchestrator.Start(ctx); err != nil {
		log.Fatal("start orchestrator", zap.Error(err))
	}

	server := httpapi.New(orchestrator, cfgStore, folderCache, presetMgr)
	httpSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: server.Engine}

	go func() {
		log.Info("listening", zap.String("addr", cfg.Metrics.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	orchestrator.Stop()
	cancel()
}

// buildFacade constructs the transfer Facade from the merged config,
// leaving either backend nil when unconfigured.
func buildFacade(cfg config.PipelineConfiguration) *transfer.Facade {
	var sftpClient *transfer.SFTPClient
	if cfg.Remote.Host != "" {
		sftpClient = transfer.NewSFTPClient(transfer.SFTPConfig{
			Host:     cfg.Remote.Host,
			Port:     cfg.Remote.Port,
			User:     cfg.Remote.User,
			Password: cfg.Remote.Password,
			Timeout:  time.Duration(cfg.Advanced.ConnectionTimeoutSec) * time.Second,
		})
	}

	var webdavClient *transfer.WebDAVClient
	if cfg.WebDAV.URL != "" {
		webdavClient = transfer.NewWebDAVClient(transfer.WebDAVConfig{
			URL:      cfg.WebDAV.URL,
			Username: cfg.WebDAV.Username,
			Password: cfg.WebDAV.Password,
		})
	}

	return transfer.NewFacade(transfer.Method(cfg.TransferMethod), sftpClient, webdavClient)
}
