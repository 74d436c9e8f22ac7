package domain

import (
	"context"
	"errors"
	"fmt"
)

// FailureType 失败类别
type FailureType string

const (
	FailureNone                   FailureType = ""                         // 无失败（成功或进行中）
	FailureNetwork                FailureType = "network"                  // 发布源/下载不可达（调用方重新运行可恢复）
	FailureParse                  FailureType = "parse"                    // 发布源响应缺少期望的架构条目
	FailureIntegrity              FailureType = "integrity"                // 下载/缓存字节校验失败（绝不静默接受）
	FailureDeviceUnavailable      FailureType = "device_unavailable"       // 无设备或 ABI 无法识别（本次运行致命）
	FailureUnsupportedTarget      FailureType = "unsupported_target"       // 反编译产物无法识别入口点
	FailureDecompile              FailureType = "decompile"                // 外部反编译工具失败
	FailureRebuild                FailureType = "rebuild"                  // 外部重打包工具失败
	FailureKeystore               FailureType = "keystore"                 // 签名密钥库定位/生成失败
	FailureSigning                FailureType = "signing"                  // 签名执行失败（已尝试一次降级）
	FailureSigningToolUnavailable FailureType = "signing_tool_unavailable" // 主备签名工具均不可用
	FailureCanceled               FailureType = "canceled"                 // 用户取消
	FailureUnknown                FailureType = "unknown"                  // 未知错误
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 环境/资源问题，重跑可恢复
	FailureSeverityWarning FailureSeverity = "warning" // 目标 APK 或工具链问题，需要关注
	FailureSeverityError   FailureSeverity = "error"   // 需要排查
)

// GetSeverity 获取失败类别对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureNone, FailureCanceled:
		return FailureSeverityNormal
	case FailureNetwork:
		return FailureSeverityNormal
	case FailureDeviceUnavailable, FailureUnsupportedTarget, FailureDecompile, FailureRebuild:
		return FailureSeverityWarning
	case FailureParse, FailureIntegrity, FailureKeystore, FailureSigning, FailureSigningToolUnavailable, FailureUnknown:
		return FailureSeverityError
	default:
		return FailureSeverityError
	}
}

// CanRetry 重跑同一目标是否有意义
// device_unavailable / unsupported_target 没有可重试的方向，必须换目标
func (ft FailureType) CanRetry() bool {
	switch ft {
	case FailureNetwork, FailureIntegrity, FailureSigning, FailureUnknown:
		return true
	default:
		return false
	}
}

// PipelineError 带失败类别与所在阶段的管道错误
type PipelineError struct {
	Type  FailureType
	Stage string // 失败时所处的状态机状态
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Type, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError 创建管道错误
func NewPipelineError(ft FailureType, stage string, err error) *PipelineError {
	return &PipelineError{Type: ft, Stage: stage, Err: err}
}

// FailureTypeOf 从任意错误中提取失败类别
func FailureTypeOf(err error) FailureType {
	if err == nil {
		return FailureNone
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	return FailureUnknown
}
