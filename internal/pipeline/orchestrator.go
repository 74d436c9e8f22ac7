package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/mret-tools/apk-patcher-go/internal/repository"
	"github.com/mret-tools/apk-patcher-go/internal/signer"
	"github.com/sirupsen/logrus"
)

// ReleaseResolver 解析当前 gadget 发布版本
type ReleaseResolver interface {
	Resolve(ctx context.Context) (*domain.GadgetRelease, error)
}

// ArchProber 探测已连接设备的主 ABI
type ArchProber interface {
	Probe(ctx context.Context) (domain.Architecture, error)
}

// ArtifactStore 按 (版本, 架构) 取得本地 gadget 二进制
type ArtifactStore interface {
	FetchOrDownload(ctx context.Context, release *domain.GadgetRelease, arch domain.Architecture) (*domain.CachedArtifact, error)
}

// Workspace 一次运行独占的反编译工作区
type Workspace interface {
	Dir() string
	Decompile(ctx context.Context) error
	Rebuild(ctx context.Context, outPath string) (string, error)
	Retain()
	Retained() bool
	Dispose()
}

// WorkspaceFactory 为目标 APK 创建工作区
type WorkspaceFactory func(apkPath string) (Workspace, error)

// InjectionPlanner 计算并消费注入计划
type InjectionPlanner interface {
	Plan(dir string, arch domain.Architecture) (*domain.InjectionPlan, error)
	Apply(dir string, plan *domain.InjectionPlan, gadgetPath string) error
}

// KeystoreProvider 定位或生成签名身份
type KeystoreProvider interface {
	ObtainOrCreate(ctx context.Context) (*signer.KeystoreIdentity, error)
}

// SignChain 主备签名链
type SignChain interface {
	Sign(ctx context.Context, apkPath string, identity *signer.KeystoreIdentity) (string, error)
}

// Installer 可选的签名后安装步骤
type Installer interface {
	Install(ctx context.Context, apkPath string) error
}

// Deps 编排器依赖
type Deps struct {
	Resolver   ReleaseResolver
	Prober     ArchProber
	Artifacts  ArtifactStore
	Workspaces WorkspaceFactory
	Planner    InjectionPlanner
	Keystore   KeystoreProvider
	Signers    SignChain
	Installer  Installer // 为 nil 时跳过安装
	Runs       repository.RunRepository
	Logger     *logrus.Logger

	OutputDir        string
	RetainOnFailure  bool // 失败时保留 scratch 目录
	InstallAfterSign bool
}

// Result 一次成功运行的产出
type Result struct {
	RunID         string
	OutputPath    string
	SignerUsed    string
	GadgetVersion string
	Architecture  domain.Architecture
}

// Orchestrator 串联一次完整注入运行的状态机
// 状态只进不退；每次状态切换前检查取消；工作区在所有退出路径上恰好释放一次
type Orchestrator struct {
	deps Deps
}

// NewOrchestrator 创建流水线编排器
func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Run 对一个 APK 执行完整注入流水线
func (o *Orchestrator) Run(ctx context.Context, apkPath string) (*Result, error) {
	run := &domain.PatchRun{
		ID:      uuid.New().String(),
		APKName: filepath.Base(apkPath),
		APKPath: apkPath,
		Status:  domain.RunStatusQueued,
	}
	if err := o.deps.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	if err := o.deps.Runs.MarkStarted(ctx, run.ID); err != nil {
		o.deps.Logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to mark run started")
	}

	logger := o.deps.Logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"apk":    run.APKName,
	})
	logger.Info("Pipeline run started")
	startedAt := time.Now()

	var ws Workspace

	// RESOLVE_RELEASE
	if err := o.enter(ctx, run.ID, StateResolveRelease); err != nil {
		return nil, o.fail(run.ID, StateResolveRelease, ws, err)
	}
	release, err := o.deps.Resolver.Resolve(ctx)
	if err != nil {
		return nil, o.fail(run.ID, StateResolveRelease, ws, err)
	}

	// PROBE_ARCH
	if err := o.enter(ctx, run.ID, StateProbeArch); err != nil {
		return nil, o.fail(run.ID, StateProbeArch, ws, err)
	}
	arch, err := o.deps.Prober.Probe(ctx)
	if err != nil {
		return nil, o.fail(run.ID, StateProbeArch, ws, err)
	}
	if err := o.deps.Runs.UpdateRelease(ctx, run.ID, release.Version, arch); err != nil {
		logger.WithError(err).Warn("Failed to record release info")
	}

	// OBTAIN_ARTIFACT
	if err := o.enter(ctx, run.ID, StateObtainArtifact); err != nil {
		return nil, o.fail(run.ID, StateObtainArtifact, ws, err)
	}
	artifact, err := o.deps.Artifacts.FetchOrDownload(ctx, release, arch)
	if err != nil {
		return nil, o.fail(run.ID, StateObtainArtifact, ws, err)
	}

	// SELECT_TARGET
	if err := o.enter(ctx, run.ID, StateSelectTarget); err != nil {
		return nil, o.fail(run.ID, StateSelectTarget, ws, err)
	}
	ws, err = o.deps.Workspaces(apkPath)
	if err != nil {
		return nil, o.fail(run.ID, StateSelectTarget, nil, err)
	}

	// DECOMPILE
	if err := o.enter(ctx, run.ID, StateDecompile); err != nil {
		return nil, o.fail(run.ID, StateDecompile, ws, err)
	}
	if err := ws.Decompile(ctx); err != nil {
		return nil, o.fail(run.ID, StateDecompile, ws, err)
	}

	// PLAN
	if err := o.enter(ctx, run.ID, StatePlan); err != nil {
		return nil, o.fail(run.ID, StatePlan, ws, err)
	}
	plan, err := o.deps.Planner.Plan(ws.Dir(), arch)
	if err != nil {
		return nil, o.fail(run.ID, StatePlan, ws, err)
	}
	if err := o.deps.Planner.Apply(ws.Dir(), plan, artifact.Path); err != nil {
		return nil, o.fail(run.ID, StatePlan, ws, err)
	}

	// REBUILD
	if err := o.enter(ctx, run.ID, StateRebuild); err != nil {
		return nil, o.fail(run.ID, StateRebuild, ws, err)
	}
	outPath := o.outputPath(apkPath)
	if _, err := ws.Rebuild(ctx, outPath); err != nil {
		return nil, o.fail(run.ID, StateRebuild, ws, err)
	}

	// SIGN
	if err := o.enter(ctx, run.ID, StateSign); err != nil {
		return nil, o.fail(run.ID, StateSign, ws, err)
	}
	identity, err := o.deps.Keystore.ObtainOrCreate(ctx)
	if err != nil {
		return nil, o.fail(run.ID, StateSign, ws, err)
	}
	signerUsed, err := o.deps.Signers.Sign(ctx, outPath, identity)
	if err != nil {
		return nil, o.fail(run.ID, StateSign, ws, err)
	}

	if o.deps.InstallAfterSign && o.deps.Installer != nil {
		if err := o.deps.Installer.Install(ctx, outPath); err != nil {
			// 安装是便利功能，产物已经签名完成，失败只告警
			logger.WithError(err).Warn("Install after sign failed, patched APK is still available")
		}
	}

	// CLEANUP
	if err := o.enter(ctx, run.ID, StateCleanup); err != nil {
		return nil, o.fail(run.ID, StateCleanup, ws, err)
	}
	ws.Dispose()

	// DONE
	if err := o.deps.Runs.MarkCompleted(ctx, run.ID, signerUsed, outPath); err != nil {
		logger.WithError(err).Warn("Failed to mark run completed")
	}
	if err := o.deps.Runs.UpdateProgress(ctx, run.ID, string(StateDone), progressOf[StateDone]); err != nil {
		logger.WithError(err).Warn("Failed to record final progress")
	}

	logger.WithFields(logrus.Fields{
		"version":  release.Version,
		"arch":     arch,
		"signer":   signerUsed,
		"output":   outPath,
		"duration": time.Since(startedAt).Round(time.Millisecond).String(),
	}).Info("Pipeline run completed")

	return &Result{
		RunID:         run.ID,
		OutputPath:    outPath,
		SignerUsed:    signerUsed,
		GadgetVersion: release.Version,
		Architecture:  arch,
	}, nil
}

// enter 进入一个状态：先检查取消，再落进度
// 取消只在状态边界观察，状态内的阻塞操作靠各自的 ctx 传播
func (o *Orchestrator) enter(ctx context.Context, runID string, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.deps.Runs.UpdateProgress(ctx, runID, string(state), progressOf[state]); err != nil {
		o.deps.Logger.WithError(err).WithFields(logrus.Fields{
			"run_id": runID,
			"state":  state,
		}).Warn("Failed to record progress")
	}
	o.deps.Logger.WithFields(logrus.Fields{
		"run_id": runID,
		"state":  state,
	}).Debug("Entering state")
	return nil
}

// fail 统一失败出口：补上失败所处状态、处置工作区、落库
func (o *Orchestrator) fail(runID string, state State, ws Workspace, err error) error {
	wrapped := o.wrapFailure(state, err)
	failureType := domain.FailureTypeOf(wrapped)

	retained := false
	if ws != nil {
		if o.deps.RetainOnFailure && failureType != domain.FailureCanceled {
			ws.Retain()
		}
		ws.Dispose()
		retained = ws.Retained()
	}

	// 落库用后台上下文：取消的运行也必须留下记录
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if failureType == domain.FailureCanceled {
		if dbErr := o.deps.Runs.MarkCanceled(dbCtx, runID); dbErr != nil {
			o.deps.Logger.WithError(dbErr).WithField("run_id", runID).Error("Failed to mark run canceled")
		}
	} else {
		if dbErr := o.deps.Runs.MarkFailed(dbCtx, runID, failureType, wrapped.Error(), retained); dbErr != nil {
			o.deps.Logger.WithError(dbErr).WithField("run_id", runID).Error("Failed to mark run failed")
		}
	}

	o.deps.Logger.WithFields(logrus.Fields{
		"run_id":       runID,
		"state":        state,
		"failure_type": failureType,
		"severity":     failureType.GetSeverity(),
		"can_retry":    failureType.CanRetry(),
	}).Error(wrapped.Error())

	return wrapped
}

// wrapFailure 补全错误的状态归属
func (o *Orchestrator) wrapFailure(state State, err error) error {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = string(state)
		}
		return err
	}
	return domain.NewPipelineError(domain.FailureTypeOf(err), string(state), err)
}

func (o *Orchestrator) outputPath(apkPath string) string {
	stem := strings.TrimSuffix(filepath.Base(apkPath), filepath.Ext(apkPath))
	return filepath.Join(o.deps.OutputDir, stem+"_patched.apk")
}
