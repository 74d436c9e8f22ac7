package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// DeviceBridge 探测所需的设备桥接能力
type DeviceBridge interface {
	ListDevices(ctx context.Context) ([]string, error)
	GetProp(ctx context.Context, key string) (string, error)
}

// Prober 通过设备桥接确定目标设备的 CPU 架构
type Prober struct {
	bridge DeviceBridge
	logger *logrus.Logger
}

// NewProber 创建架构探测器
func NewProber(bridge DeviceBridge, logger *logrus.Logger) *Prober {
	return &Prober{
		bridge: bridge,
		logger: logger,
	}
}

// Probe 对设备桥接恰好发起一次 ABI 查询，返回映射后的架构
// 架构必须匹配当前目标设备，而非构建主机；unknown 对调用方是不可重试的终态
func (p *Prober) Probe(ctx context.Context) (domain.Architecture, error) {
	devices, err := p.bridge.ListDevices(ctx)
	if err != nil {
		return domain.ArchUnknown, domain.NewPipelineError(domain.FailureDeviceUnavailable, "",
			fmt.Errorf("device bridge unreachable: %w", err))
	}
	if len(devices) == 0 {
		return domain.ArchUnknown, domain.NewPipelineError(domain.FailureDeviceUnavailable, "",
			errors.New("no connected device"))
	}

	abi, err := p.bridge.GetProp(ctx, "ro.product.cpu.abi")
	if err != nil {
		return domain.ArchUnknown, domain.NewPipelineError(domain.FailureDeviceUnavailable, "",
			fmt.Errorf("failed to read device ABI: %w", err))
	}

	arch := domain.ArchitectureFromABI(abi)
	if arch == domain.ArchUnknown {
		return domain.ArchUnknown, domain.NewPipelineError(domain.FailureDeviceUnavailable, "",
			fmt.Errorf("unsupported or unknown ABI: %q", abi))
	}

	p.logger.WithFields(logrus.Fields{
		"abi":  abi,
		"arch": arch,
	}).Info("Device architecture probed")

	return arch, nil
}
