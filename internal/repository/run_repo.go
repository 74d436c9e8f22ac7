package repository

import (
	"context"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunRepository 注入流水线运行历史
type RunRepository interface {
	Create(ctx context.Context, run *domain.PatchRun) error
	FindByID(ctx context.Context, id string) (*domain.PatchRun, error)
	List(ctx context.Context, limit int) ([]*domain.PatchRun, error)
	MarkStarted(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, state string, percent int) error
	UpdateRelease(ctx context.Context, id string, version string, arch domain.Architecture) error
	MarkCompleted(ctx context.Context, id string, signerUsed, outputPath string) error
	MarkFailed(ctx context.Context, id string, failureType domain.FailureType, errorMessage string, workspaceRetained bool) error
	MarkCanceled(ctx context.Context, id string) error
	// 检查是否存在最近创建的同名 APK 运行（防止文件监控重复入队）
	HasRecentRunForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error)
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewRunRepository 创建运行历史仓库
func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{db: db, logger: logger}
}

func (r *runRepo) Create(ctx context.Context, run *domain.PatchRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.PatchRun, error) {
	var run domain.PatchRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, limit int) ([]*domain.PatchRun, error) {
	var runs []*domain.PatchRun
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *runRepo) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.RunStatusRunning,
			"started_at": &now,
		}).Error
}

func (r *runRepo) UpdateProgress(ctx context.Context, id string, state string, percent int) error {
	return r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_state":    state,
			"progress_percent": percent,
		}).Error
}

func (r *runRepo) UpdateRelease(ctx context.Context, id string, version string, arch domain.Architecture) error {
	return r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"gadget_version": version,
			"architecture":   string(arch),
		}).Error
}

func (r *runRepo) MarkCompleted(ctx context.Context, id string, signerUsed, outputPath string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.RunStatusCompleted,
			"progress_percent": 100,
			"signer_used":      signerUsed,
			"output_path":      outputPath,
			"completed_at":     &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("run_id", id).Error("Failed to mark run completed")
		return result.Error
	}
	return nil
}

func (r *runRepo) MarkFailed(ctx context.Context, id string, failureType domain.FailureType, errorMessage string, workspaceRetained bool) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             domain.RunStatusFailed,
			"failure_type":       failureType,
			"error_message":      errorMessage,
			"workspace_retained": workspaceRetained,
			"completed_at":       &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"run_id":       id,
			"failure_type": failureType,
		}).Error("Failed to mark run failed")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":           id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
	}).Warn("Run marked as failed")
	return nil
}

func (r *runRepo) MarkCanceled(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.RunStatusCanceled,
			"failure_type": domain.FailureCanceled,
			"completed_at": &now,
		}).Error
}

// HasRecentRunForAPK 大文件复制会触发多次文件系统事件，用时间窗口去重
func (r *runRepo) HasRecentRunForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-time.Duration(withinSeconds) * time.Second)

	err := r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("apk_name = ? AND created_at > ?", apkName, cutoff).
		Count(&count).Error
	if err != nil {
		return false, err
	}

	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"apk_name":       apkName,
			"recent_count":   count,
			"within_seconds": withinSeconds,
		}).Warn("Found recent run for same APK, skipping duplicate")
	}
	return count > 0, nil
}
