package domain

import "time"

// RunStatus 运行状态
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// PatchRun 一次注入流水线运行的记录
type PatchRun struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName         string      `gorm:"type:varchar(255);not null" json:"apk_name"`
	APKPath         string      `gorm:"type:varchar(500)" json:"apk_path"`
	GadgetVersion   string      `gorm:"type:varchar(32)" json:"gadget_version,omitempty"`
	Architecture    string      `gorm:"type:varchar(16)" json:"architecture,omitempty"`
	Status          RunStatus   `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	CurrentState    string      `gorm:"type:varchar(32)" json:"current_state,omitempty"`
	ProgressPercent int         `gorm:"type:tinyint;default:0" json:"progress_percent"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	SignerUsed      string      `gorm:"type:varchar(32)" json:"signer_used,omitempty"`
	OutputPath      string      `gorm:"type:varchar(500)" json:"output_path,omitempty"`
	// 失败时 scratch 目录是否被保留用于事后排查
	WorkspaceRetained bool       `gorm:"default:false" json:"workspace_retained"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func (PatchRun) TableName() string {
	return "patch_runs"
}
