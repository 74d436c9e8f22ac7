package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/cache"
	"github.com/mret-tools/apk-patcher-go/internal/config"
	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/mret-tools/apk-patcher-go/internal/release"
	"github.com/sirupsen/logrus"
)

// prefetch 预热 gadget 缓存：解析当前发布版本并下载全部架构的二进制
// 离线环境部署前在有外网的机器上跑一次，把缓存目录整个拷走
func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := release.NewResolver(cfg.Release.FeedURL, time.Duration(cfg.Release.Timeout)*time.Second, logger)
	store := cache.New(cfg.Cache.Dir, time.Duration(cfg.Cache.DownloadTimeout)*time.Second, logger)

	rel, err := resolver.Resolve(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve gadget release")
	}
	logger.WithField("version", rel.Version).Info("Prefetching gadget binaries for all architectures")

	failed := 0
	for _, arch := range domain.AllArchitectures() {
		artifact, err := store.FetchOrDownload(ctx, rel, arch)
		if err != nil {
			failed++
			logger.WithError(err).WithField("arch", arch).Error("Prefetch failed")
			continue
		}
		logger.WithFields(logrus.Fields{
			"arch":   arch,
			"path":   artifact.Path,
			"size":   artifact.Size,
			"sha256": artifact.SHA256,
		}).Info("Gadget cached")
	}

	if failed > 0 {
		logger.WithField("failed", failed).Error("Prefetch finished with failures")
		os.Exit(1)
	}
	logger.Info("All architectures cached")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}
