package domain

import "strings"

// Architecture 目标设备 CPU 架构
type Architecture string

const (
	ArchARM64   Architecture = "arm64"
	ArchARMv7   Architecture = "armv7"
	ArchX86     Architecture = "x86"
	ArchX86_64  Architecture = "x86_64"
	ArchUnknown Architecture = "unknown"
)

// abiTable Android ABI 字符串到 Architecture 的映射表（显式、穷举）
var abiTable = map[string]Architecture{
	"arm64-v8a":   ArchARM64,
	"armeabi-v7a": ArchARMv7,
	"x86":         ArchX86,
	"x86_64":      ArchX86_64,
}

// abiDirs 每个架构在 APK lib/ 下的原生库目录名
// 安装时 OS loader 按该目录选择匹配的二进制
var abiDirs = map[Architecture]string{
	ArchARM64:  "arm64-v8a",
	ArchARMv7:  "armeabi-v7a",
	ArchX86:    "x86",
	ArchX86_64: "x86_64",
}

// gadgetSuffixes Frida 发布资产的架构后缀
var gadgetSuffixes = map[Architecture]string{
	ArchARM64:  "android-arm64",
	ArchARMv7:  "android-arm",
	ArchX86:    "android-x86",
	ArchX86_64: "android-x86_64",
}

// ArchitectureFromABI 将设备返回的原始 ABI 字符串映射为 Architecture
// 未识别的字符串映射为 ArchUnknown，调用方必须视为不可重试（没有可重试的目标架构）
func ArchitectureFromABI(raw string) Architecture {
	if arch, ok := abiTable[strings.TrimSpace(raw)]; ok {
		return arch
	}
	return ArchUnknown
}

// ABIDir lib/ 下对应的目录名，unknown 返回空串
func (a Architecture) ABIDir() string {
	return abiDirs[a]
}

// GadgetSuffix 发布资产文件名中的架构段（如 android-arm64），unknown 返回空串
func (a Architecture) GadgetSuffix() string {
	return gadgetSuffixes[a]
}

// Valid 架构是否受支持
func (a Architecture) Valid() bool {
	_, ok := abiDirs[a]
	return ok
}

// AllArchitectures 返回全部受支持架构（不含 unknown）
func AllArchitectures() []Architecture {
	return []Architecture{ArchARM64, ArchARMv7, ArchX86, ArchX86_64}
}
