package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/adb"
	"github.com/mret-tools/apk-patcher-go/internal/apktool"
	"github.com/mret-tools/apk-patcher-go/internal/cache"
	"github.com/mret-tools/apk-patcher-go/internal/config"
	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/mret-tools/apk-patcher-go/internal/pipeline"
	"github.com/mret-tools/apk-patcher-go/internal/planner"
	"github.com/mret-tools/apk-patcher-go/internal/probe"
	"github.com/mret-tools/apk-patcher-go/internal/release"
	"github.com/mret-tools/apk-patcher-go/internal/repository"
	"github.com/mret-tools/apk-patcher-go/internal/signer"
	"github.com/mret-tools/apk-patcher-go/internal/watcher"
	"github.com/mret-tools/apk-patcher-go/internal/worker"
	"github.com/mret-tools/apk-patcher-go/internal/workspace"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

// 按失败类别区分退出码，脚本化调用方可以据此决定是否重跑
const (
	exitOK                 = 0
	exitUnknown            = 1
	exitUsage              = 2
	exitNetwork            = 10
	exitParse              = 11
	exitIntegrity          = 12
	exitDeviceUnavailable  = 20
	exitUnsupportedTarget  = 21
	exitDecompile          = 30
	exitRebuild            = 31
	exitKeystore           = 40
	exitSigning            = 41
	exitSigningUnavailable = 42
	exitCanceled           = 130
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (optional)")
		apkPath    = flag.String("apk", "", "APK to patch (single-shot mode)")
		watchMode  = flag.Bool("watch", false, "watch inbound directory for APKs (batch mode)")
		retain     = flag.Bool("retain", false, "retain the scratch directory on failure")
		install    = flag.Bool("install", false, "adb install -r the patched APK after signing")
	)
	flag.Parse()

	fmt.Printf("APK Frida Gadget Patcher\n")
	fmt.Printf("Version: %s (built %s)\n\n", Version, BuildTime)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *retain {
		cfg.Workspace.Retain = true
	}
	if *install {
		cfg.ADB.InstallAfterSign = true
	}

	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK patcher %s", Version)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	runRepo := repository.NewRunRepository(db, logger)

	orch := buildOrchestrator(cfg, runRepo, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *watchMode || cfg.Watcher.Enabled:
		os.Exit(runWatch(ctx, cfg, orch, runRepo, logger))
	case *apkPath != "":
		os.Exit(runOnce(ctx, orch, *apkPath, logger))
	default:
		flag.Usage()
		os.Exit(exitUsage)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// buildOrchestrator 组装一条完整流水线
func buildOrchestrator(cfg *config.Config, runRepo repository.RunRepository, logger *logrus.Logger) *pipeline.Orchestrator {
	adbClient := adb.NewClient(cfg.ADB.Target, time.Duration(cfg.ADB.Timeout)*time.Second, logger)
	tool := apktool.New(cfg.Workspace.ApktoolPath,
		time.Duration(cfg.Workspace.DecompileTimeout)*time.Second,
		time.Duration(cfg.Workspace.RebuildTimeout)*time.Second,
		logger)

	keystore := signer.NewKeystoreManager(
		cfg.Signing.KeystorePath, cfg.Signing.Alias, cfg.Signing.StorePass, cfg.Signing.KeyPass,
		time.Duration(cfg.Signing.Timeout)*time.Second, logger)
	signTimeout := time.Duration(cfg.Signing.Timeout) * time.Second
	chain := signer.NewChain(
		signer.NewApkSigner(signTimeout, logger),
		signer.NewJarSigner(signTimeout, logger),
		logger)

	retainOnFailure := cfg.Workspace.Retain

	return pipeline.NewOrchestrator(pipeline.Deps{
		Resolver:  release.NewResolver(cfg.Release.FeedURL, time.Duration(cfg.Release.Timeout)*time.Second, logger),
		Prober:    probe.NewProber(adbClient, logger),
		Artifacts: cache.New(cfg.Cache.Dir, time.Duration(cfg.Cache.DownloadTimeout)*time.Second, logger),
		Workspaces: func(apkPath string) (pipeline.Workspace, error) {
			return workspace.New(cfg.Workspace.ScratchRoot, apkPath, tool, logger)
		},
		Planner:          planner.NewPlanner(logger),
		Keystore:         keystore,
		Signers:          chain,
		Installer:        adbClient,
		Runs:             runRepo,
		Logger:           logger,
		OutputDir:        cfg.OutputDir,
		RetainOnFailure:  retainOnFailure,
		InstallAfterSign: cfg.ADB.InstallAfterSign,
	})
}

// runOnce 单次模式：处理一个 APK 后按失败类别退出
func runOnce(ctx context.Context, orch *pipeline.Orchestrator, apkPath string, logger *logrus.Logger) int {
	result, err := orch.Run(ctx, apkPath)
	if err != nil {
		return exitCode(err)
	}

	logger.WithFields(logrus.Fields{
		"output": result.OutputPath,
		"signer": result.SignerUsed,
	}).Info("Patched APK ready")
	fmt.Printf("\nPatched APK: %s\n", result.OutputPath)
	return exitOK
}

// runWatch 批量模式：监控入站目录，Worker 池并行处理
func runWatch(ctx context.Context, cfg *config.Config, orch *pipeline.Orchestrator, runRepo repository.RunRepository, logger *logrus.Logger) int {
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orch, logger)
	pool.Start(ctx)
	defer pool.Stop()

	handler := func(ctx context.Context, apkPath string) error {
		// 同一 APK 的多次文件事件在时间窗口内只入队一次
		dup, err := runRepo.HasRecentRunForAPK(ctx, filepath.Base(apkPath), 60)
		if err != nil {
			logger.WithError(err).Warn("Duplicate check failed, submitting anyway")
		} else if dup {
			return nil
		}
		if err := pool.Submit(&worker.Job{APKPath: apkPath}); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"apk_path":   filepath.Base(apkPath),
			"queue_size": pool.QueueSize(),
		}).Info("APK queued for patching")
		return nil
	}

	fw, err := watcher.NewFileWatcher(cfg.Watcher.InboundDir, handler, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create file watcher")
		return exitUnknown
	}
	defer fw.Stop()

	if err := fw.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start file watcher")
		return exitUnknown
	}
	logger.WithField("inbound_dir", fw.WatchDir()).Info("Batch mode started, waiting for APKs")

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	return exitOK
}

func exitCode(err error) int {
	switch domain.FailureTypeOf(err) {
	case domain.FailureNetwork:
		return exitNetwork
	case domain.FailureParse:
		return exitParse
	case domain.FailureIntegrity:
		return exitIntegrity
	case domain.FailureDeviceUnavailable:
		return exitDeviceUnavailable
	case domain.FailureUnsupportedTarget:
		return exitUnsupportedTarget
	case domain.FailureDecompile:
		return exitDecompile
	case domain.FailureRebuild:
		return exitRebuild
	case domain.FailureKeystore:
		return exitKeystore
	case domain.FailureSigning:
		return exitSigning
	case domain.FailureSigningToolUnavailable:
		return exitSigningUnavailable
	case domain.FailureCanceled:
		return exitCanceled
	default:
		return exitUnknown
	}
}
